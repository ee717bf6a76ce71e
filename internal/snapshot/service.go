// Package snapshot periodically refreshes the room, user and emoji
// snapshots from the configured chat backend. Snapshots are whole
// replacements: each cycle fetches fresh data and swaps it in, old
// snapshot discarded.
package snapshot

import (
	"context"
	"fmt"
	"log"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/openchatalytics/chatalytics/internal/config"
	"github.com/openchatalytics/chatalytics/internal/pipeline"
	"github.com/openchatalytics/chatalytics/internal/source"
	"github.com/openchatalytics/chatalytics/internal/store"
)

const refreshTimeout = 2 * time.Minute

type Service struct {
	kind     source.BackendKind
	registry *source.Registry
	store    *store.Store
	emojis   *pipeline.EmojiSet
	cfg      config.SnapshotConfig

	cron *rcron.Cron
}

func NewService(kind source.BackendKind, registry *source.Registry, st *store.Store, emojis *pipeline.EmojiSet, cfg config.SnapshotConfig) *Service {
	return &Service{
		kind:     kind,
		registry: registry,
		store:    st,
		emojis:   emojis,
		cfg:      cfg,
	}
}

// Start runs an initial refresh, then schedules recurring ones.
func (s *Service) Start(ctx context.Context) error {
	if err := s.RefreshDirectory(ctx); err != nil {
		return fmt.Errorf("initial directory refresh: %w", err)
	}
	if err := s.RefreshEmojis(ctx); err != nil {
		log.Printf("[snapshot] initial emoji refresh failed: %v", err)
	}

	s.cron = rcron.New(rcron.WithSeconds())

	roomSpec := s.cfg.RoomRefreshSpec
	if roomSpec == "" {
		roomSpec = config.DefaultRoomRefreshSpec
	}
	if _, err := s.cron.AddFunc(roomSpec, func() {
		rctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := s.RefreshDirectory(rctx); err != nil {
			log.Printf("[snapshot] directory refresh failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("register room refresh %q: %w", roomSpec, err)
	}

	emojiSpec := s.cfg.EmojiRefreshSpec
	if emojiSpec == "" {
		emojiSpec = config.DefaultEmojiRefresh
	}
	if _, err := s.cron.AddFunc(emojiSpec, func() {
		rctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := s.RefreshEmojis(rctx); err != nil {
			log.Printf("[snapshot] emoji refresh failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("register emoji refresh %q: %w", emojiSpec, err)
	}

	s.cron.Start()
	log.Printf("[snapshot] scheduled refresh (rooms/users %q, emoji %q)", roomSpec, emojiSpec)
	return nil
}

func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[snapshot] stop timeout waiting for running refresh")
	}
	log.Printf("[snapshot] stopped")
}

// RefreshDirectory replaces the room and user snapshots.
func (s *Service) RefreshDirectory(ctx context.Context) error {
	src, err := s.registry.Source(s.kind)
	if err != nil {
		return err
	}

	rooms, err := src.GetRooms(ctx)
	if err != nil {
		return fmt.Errorf("fetch rooms: %w", err)
	}
	roomRows := make([]store.RoomRow, 0, len(rooms))
	for _, r := range rooms {
		roomRows = append(roomRows, store.RoomRow{ID: r.ID, Name: r.Name, Private: r.Private})
	}
	if err := s.store.ReplaceRooms(roomRows); err != nil {
		return err
	}

	users, err := src.GetUsers(ctx)
	if err != nil {
		return fmt.Errorf("fetch users: %w", err)
	}
	userRows := make([]store.UserRow, 0, len(users))
	for _, u := range users {
		userRows = append(userRows, store.UserRow{
			ID:          u.ID,
			Name:        u.Name,
			MentionName: u.MentionName,
			Timezone:    u.Timezone,
		})
	}
	if err := s.store.ReplaceUsers(userRows); err != nil {
		return err
	}

	log.Printf("[snapshot] refreshed %d rooms, %d users", len(roomRows), len(userRows))
	return nil
}

// RefreshEmojis replaces the shared shortcode mapping.
func (s *Service) RefreshEmojis(ctx context.Context) error {
	src, err := s.registry.Source(s.kind)
	if err != nil {
		return err
	}
	emojis, err := src.GetEmojis(ctx)
	if err != nil {
		return fmt.Errorf("fetch emojis: %w", err)
	}
	s.emojis.Replace(emojis)
	log.Printf("[snapshot] refreshed %d emoji shortcodes", len(emojis))
	return nil
}
