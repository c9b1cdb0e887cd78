package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Embed sidebar colours by severity.
const (
	embedColorYellow = 0xF1C40F
	embedColorOrange = 0xE67E22
	embedColorRed    = 0xE74C3C
)

// EmbedSender is the part of *discordgo.Session the notifier uses.
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ EmbedSender = (*discordgo.Session)(nil)

// DiscordNotifier posts events as embeds to one text channel.
type DiscordNotifier struct {
	session   EmbedSender
	channelID string
}

var _ Notifier = (*DiscordNotifier)(nil)

// NewDiscordSession opens a bot session for token. The notifier only uses
// the REST API, so no gateway connection is made.
func NewDiscordSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("alert: discord session: %w", err)
	}
	return s, nil
}

// NewDiscordNotifier returns a notifier posting to channelID.
func NewDiscordNotifier(session EmbedSender, channelID string) *DiscordNotifier {
	return &DiscordNotifier{session: session, channelID: channelID}
}

// Notify posts ev.
func (d *DiscordNotifier) Notify(ctx context.Context, ev Event) error {
	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, buildEmbed(ev), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("alert: discord: %w", err)
	}
	return nil
}

func buildEmbed(ev Event) *discordgo.MessageEmbed {
	title := "カスハラ検出"
	switch ev.Kind {
	case KindTentative:
		title = "カスハラの可能性（未確定）"
	case KindSummary:
		title = "カスハラ事案の要約"
	}

	var fields []*discordgo.MessageEmbedField
	desc := ev.Entry.Text
	if r := ev.Record; r != nil {
		desc = r.Summary
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "検出ワード", Value: orDash(r.NGWord), Inline: true},
			&discordgo.MessageEmbedField{Name: "深刻度", Value: fmt.Sprintf("%d", r.Severity), Inline: true},
			&discordgo.MessageEmbedField{Name: "発生", Value: orDash(strings.TrimSpace(r.Date + " " + r.AnchorTime)), Inline: true},
			&discordgo.MessageEmbedField{Name: "推奨対応", Value: orDash(r.Action)},
		)
	} else {
		when := ev.Date
		if ev.Entry.HasTime() {
			when = ev.Entry.Time.Format("2006-01-02 15:04:05")
		}
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "検出ワード", Value: orDash(strings.Join(ev.Words, ", ")), Inline: true},
			&discordgo.MessageEmbedField{Name: "深刻度", Value: fmt.Sprintf("%d", ev.Severity), Inline: true},
			&discordgo.MessageEmbedField{Name: "発生", Value: orDash(when), Inline: true},
		)
		if ev.Entry.ID != "" {
			fields = append(fields, &discordgo.MessageEmbedField{Name: "ID", Value: fmt.Sprintf("`%s`", ev.Entry.ID), Inline: true})
		}
	}

	return &discordgo.MessageEmbed{
		Title:       title,
		Description: desc,
		Color:       severityColor(ev.Severity),
		Fields:      fields,
	}
}

func severityColor(sev int) int {
	switch {
	case sev >= 4:
		return embedColorRed
	case sev >= 3:
		return embedColorOrange
	default:
		return embedColorYellow
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
