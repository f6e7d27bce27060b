package db

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var (
	ErrInvalidClip     = errors.New("invalid clip")
	ErrInvalidSettings = errors.New("invalid settings")
)

// Platform tags the upstream a clip lives on.
type Platform string

const (
	PlatformTwitch Platform = "twitch"
	PlatformKick   Platform = "kick"
	PlatformSora   Platform = "sora"
)

func AllPlatforms() []Platform {
	return []Platform{PlatformTwitch, PlatformKick, PlatformSora}
}

func (p Platform) Valid() bool {
	switch p {
	case PlatformTwitch, PlatformKick, PlatformSora:
		return true
	default:
		return false
	}
}

// ClipStatus is the lifecycle state of a stored clip.
type ClipStatus string

const (
	StatusApproved ClipStatus = "approved"
	StatusPending  ClipStatus = "pending"
	StatusRejected ClipStatus = "rejected"
	StatusPlayed   ClipStatus = "played"
)

func (s ClipStatus) Valid() bool {
	switch s {
	case StatusApproved, StatusPending, StatusRejected, StatusPlayed:
		return true
	default:
		return false
	}
}

// ClipUUID builds the store identity for a clip: "<platform>:<clip id>",
// lowercased.
func ClipUUID(p Platform, clipID string) string {
	return string(p) + ":" + strings.ToLower(clipID)
}

// Clip is the durable clip entity. Submitters preserve insertion order.
type Clip struct {
	ID           string     `json:"id" validate:"required,max=200"`
	Platform     Platform   `json:"platform" validate:"required,oneof=twitch kick sora"`
	ClipID       string     `json:"clipId" validate:"required,max=200"`
	URL          string     `json:"url" validate:"required,max=500,url"`
	EmbedURL     string     `json:"embedUrl" validate:"required,max=500,url"`
	VideoURL     string     `json:"videoUrl,omitempty" validate:"omitempty,max=500,url"`
	ThumbnailURL string     `json:"thumbnailUrl,omitempty" validate:"omitempty,max=500,url"`
	Title        string     `json:"title" validate:"required,max=500"`
	Channel      string     `json:"channel" validate:"required,max=100"`
	Creator      string     `json:"creator,omitempty" validate:"omitempty,max=100"`
	Category     string     `json:"category,omitempty" validate:"omitempty,max=100"`
	Duration     float64    `json:"duration,omitempty" validate:"gte=0"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	Submitters   []string   `json:"submitters"`
	Status       ClipStatus `json:"status" validate:"required,oneof=approved pending rejected played"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	PlayedAt     *time.Time `json:"playedAt,omitempty"`
}

// Validate checks the clip against the storage schema. The id must be the
// canonical lowercase "<platform>:<clip id>" composite.
func (c *Clip) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidClip, err)
	}
	if c.ID != ClipUUID(c.Platform, c.ClipID) {
		return fmt.Errorf("%w: id %q does not match platform %q and clip id %q", ErrInvalidClip, c.ID, c.Platform, c.ClipID)
	}
	return nil
}

// HasSubmitter reports whether name already submitted the clip. Chat logins
// are compared case-insensitively.
func (c *Clip) HasSubmitter(name string) bool {
	for _, s := range c.Submitters {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// PlayLogEntry is one append-only play record joined with its clip.
type PlayLogEntry struct {
	ID          int64      `json:"id"`
	ClipID      string     `json:"-"`
	Clip        *Clip      `json:"clip"`
	PlayedAt    time.Time  `json:"playedAt"`
	PlayedFor   *float64   `json:"playedFor,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// SettingsVersion is the current settings schema version. Version 1 payloads
// predate the logger block and are upgraded on load.
const SettingsVersion = 2

type Settings struct {
	Version         int            `json:"version"`
	CommandPrefix   string         `json:"commandPrefix"`
	AllowedCommands []string       `json:"allowedCommands"`
	Queue           QueueSettings  `json:"queue"`
	Logger          LoggerSettings `json:"logger"`
}

type QueueSettings struct {
	AutoModerationEnabled bool       `json:"autoModerationEnabled"`
	Limit                 *int       `json:"limit"`
	Platforms             []Platform `json:"platforms"`
}

type LoggerSettings struct {
	Level string `json:"level"`
	Limit int    `json:"limit"`
}

// DefaultSettings returns the settings a fresh install starts with: every
// command allowed, every platform enabled, no queue limit, auto-moderation
// off.
func DefaultSettings() Settings {
	return Settings{
		Version:       SettingsVersion,
		CommandPrefix: "!cq",
		AllowedCommands: []string{
			"open", "close", "clear",
			"setlimit", "removelimit",
			"next", "prev", "previous",
			"removebysubmitter", "removebyplatform",
			"enableplatform", "disableplatform",
			"enableautomod", "disableautomod",
			"purgecache", "purgehistory",
		},
		Queue: QueueSettings{
			AutoModerationEnabled: false,
			Limit:                 nil,
			Platforms:             AllPlatforms(),
		},
		Logger: LoggerSettings{
			Level: "info",
			Limit: 100,
		},
	}
}

// Validate checks a settings payload against the schema.
func (s *Settings) Validate() error {
	if s.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1", ErrInvalidSettings)
	}
	if n := utf8.RuneCountInString(s.CommandPrefix); n == 0 || n > 8 {
		return fmt.Errorf("%w: command prefix must be 1-8 characters", ErrInvalidSettings)
	}
	if strings.ContainsAny(s.CommandPrefix, " \t\r\n") {
		return fmt.Errorf("%w: command prefix must not contain whitespace", ErrInvalidSettings)
	}
	for _, cmd := range s.AllowedCommands {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("%w: allowed commands must not be empty", ErrInvalidSettings)
		}
	}
	if s.Queue.Limit != nil && *s.Queue.Limit <= 0 {
		return fmt.Errorf("%w: queue limit must be positive or null", ErrInvalidSettings)
	}
	for _, p := range s.Queue.Platforms {
		if !p.Valid() {
			return fmt.Errorf("%w: unknown platform %q", ErrInvalidSettings, p)
		}
	}
	switch s.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logger level must be one of debug, info, warn, error", ErrInvalidSettings)
	}
	if s.Logger.Limit < 0 {
		return fmt.Errorf("%w: logger limit must be >= 0", ErrInvalidSettings)
	}
	return nil
}

// PlatformEnabled reports whether submissions for p are currently accepted.
func (s *Settings) PlatformEnabled(p Platform) bool {
	for _, enabled := range s.Queue.Platforms {
		if enabled == p {
			return true
		}
	}
	return false
}

// CommandAllowed reports whether the chat command name may run.
func (s *Settings) CommandAllowed(name string) bool {
	for _, cmd := range s.AllowedCommands {
		if cmd == name {
			return true
		}
	}
	return false
}

// migrate upgrades older settings payloads in place and reports whether
// anything changed.
func (s *Settings) migrate() bool {
	if s.Version >= SettingsVersion {
		return false
	}
	if s.Version < 2 {
		if s.Logger.Level == "" {
			s.Logger = DefaultSettings().Logger
		}
	}
	s.Version = SettingsVersion
	return true
}
