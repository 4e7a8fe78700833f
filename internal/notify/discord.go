// Package notify announces processed demos in a Discord channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"

	apperrors "github.com/alexjbarnes/demo-relay/internal/errors"
	"github.com/alexjbarnes/demo-relay/internal/upload"
)

const (
	embedColor = 0xe40238
	embedTitle = "Watch Uploaded Demo"

	unknownScore = "?"
)

// sender is the part of *discordgo.Session the notifier uses.
type sender interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts one embed per processed demo. The bot session is opened
// on the first Announce and reused.
type Discord struct {
	token      string
	channelID  string
	leetifyURL string
	logger     *slog.Logger

	newSession func(token string) (sender, error)

	mu      sync.Mutex
	session sender
}

// NewDiscord returns a notifier for channelID. leetifyURL is the web
// origin used to build match links.
func NewDiscord(token, channelID, leetifyURL string, logger *slog.Logger) *Discord {
	return &Discord{
		token:      token,
		channelID:  channelID,
		leetifyURL: leetifyURL,
		logger:     logger,
		newSession: openSession,
	}
}

func openSession(token string) (sender, error) {
	return discordgo.New("Bot " + token)
}

// Announce posts the match link and score for up.
func (d *Discord) Announce(ctx context.Context, up upload.Upload) error {
	s, err := d.ensureSession(ctx)
	if err != nil {
		return err
	}

	embed := BuildEmbed(d.leetifyURL, up)

	msg, err := s.ChannelMessageSendEmbed(d.channelID, embed, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: posting %s: %w", apperrors.ErrNotifyFailed, up.FileName, err)
	}

	d.logger.Info("upload announced",
		slog.String("file", up.FileName),
		slog.String("channel_id", d.channelID),
		slog.String("message_id", msg.ID),
	)

	return nil
}

// ensureSession creates the session and checks the token against the bot
// identity. A failed check is retried on the next Announce.
func (d *Discord) ensureSession(ctx context.Context) (sender, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		return d.session, nil
	}

	s, err := d.newSession(d.token)
	if err != nil {
		return nil, fmt.Errorf("%w: creating session: %w", apperrors.ErrNotifyFailed, err)
	}

	me, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: verifying bot identity: %w", apperrors.ErrNotifyFailed, err)
	}

	d.logger.Info("discord session ready", slog.String("bot", me.Username), slog.String("bot_id", me.ID))
	d.session = s

	return s, nil
}

// BuildEmbed renders the announcement for up. Leetify lists the
// Counter-Terrorist score first.
func BuildEmbed(leetifyURL string, up upload.Upload) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: embedTitle,
		URL:   fmt.Sprintf("%s/app/games/%s/overview", leetifyURL, up.GameID),
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Terrorists", Value: score(up.TeamScores, 1), Inline: true},
			{Name: "Counter-Terrorists", Value: score(up.TeamScores, 0), Inline: true},
			{Name: "Map", Value: mapName(up.MapName), Inline: true},
		},
	}
}

func score(scores []int, i int) string {
	if i >= len(scores) {
		return unknownScore
	}

	return strconv.Itoa(scores[i])
}

// Discord rejects embed fields with empty values.
func mapName(name string) string {
	if name == "" {
		return unknownScore
	}

	return name
}
