// Package service hosts the remote messenger integrations managed by the
// engine. Each messenger translates its own wire events into workflow
// sessions and installs a response sink that pushes session output back out
// of band.
package service

import (
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/engine"
	"github.com/waypointhq/waypoint/logging"
)

const maxDiscordMessageLen = 2000

// DiscordMessenger bridges a Discord bot account onto the workflow engine.
// Configuration comes from the base knowledge: DiscordToken is required,
// DiscordChannel names the announcement channel, and DiscordUserMap maps
// Discord usernames onto workflow user names. Messages from unmapped users
// are ignored.
type DiscordMessenger struct {
	*Base

	engine    *engine.Engine
	knowledge map[string]any
	logger    logging.Logger

	session *discordgo.Session
	running bool
}

// NewDiscordMessenger builds the messenger around the engine and its base
// knowledge.
func NewDiscordMessenger(e *engine.Engine, knowledge map[string]any, logger logging.Logger) *DiscordMessenger {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &DiscordMessenger{Base: NewServiceBase(nil), engine: e, knowledge: knowledge, logger: logger}
}

// Name implements engine.RemoteService.
func (d *DiscordMessenger) Name() string { return "discord" }

// Init creates the bot session. A deployment without a DiscordToken declines
// quietly.
func (d *DiscordMessenger) Init() bool {
	token, ok := d.knowledge["DiscordToken"].(string)
	if !ok || token == "" {
		return false
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		d.logger.Error("unable to create discord session", "error", err)
		return false
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onReady)
	session.AddHandler(d.onMessageCreate)

	d.session = session
	return true
}

// Start opens the gateway connection.
func (d *DiscordMessenger) Start() {
	if d.session == nil || d.running {
		return
	}
	if err := d.session.Open(); err != nil {
		d.logger.Error("unable to connect to discord", "error", err)
		return
	}
	d.running = true
}

// Stop closes the gateway connection.
func (d *DiscordMessenger) Stop() {
	if !d.running {
		return
	}
	if err := d.session.Close(); err != nil {
		d.logger.Error("error closing discord session", "error", err)
	}
	d.running = false
}

// Fini implements engine.RemoteService.
func (d *DiscordMessenger) Fini() {
	d.Stop()
	d.CancelTimers()
	d.session = nil
}

func (d *DiscordMessenger) onReady(s *discordgo.Session, _ *discordgo.Ready) {
	channel, ok := d.knowledge["DiscordChannel"].(string)
	if !ok {
		return
	}
	for _, guild := range s.State.Guilds {
		channels, err := s.GuildChannels(guild.ID)
		if err != nil {
			continue
		}
		for _, ch := range channels {
			if ch.Name == channel && ch.Type == discordgo.ChannelTypeGuildText {
				if _, err := s.ChannelMessageSend(ch.ID, "I am alive"); err != nil {
					d.logger.Warn("unable to announce on the main channel", "error", err)
				}
				return
			}
		}
	}
}

func (d *DiscordMessenger) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	userName, ok := d.mapUser(m.Author.Username)
	if !ok {
		return
	}

	channelID := m.ChannelID
	sink := func(resp *core.Response) { d.deliver(channelID, resp) }
	data := map[string]any{"message": m.Content}
	if err := d.engine.HandleRemoteEvent(m.Author.ID, userName, m.ID, data, sink); err != nil {
		d.logger.Error("unable to route discord message", "user", userName, "error", err)
	}
}

// deliver pushes one session response back to the originating channel,
// chunked under the Discord message length cap.
func (d *DiscordMessenger) deliver(channelID string, resp *core.Response) {
	if resp == nil {
		return
	}
	var text string
	if v, ok := resp.Fields["response"]; ok {
		text = core.Stringify(v)
	}
	if resp.IsStream() {
		collected, err := resp.Stream.Collect()
		if err != nil {
			d.logger.Error("response stream already consumed", "error", err)
			return
		}
		text = collected
	}
	if text == "" {
		return
	}
	for _, chunk := range splitMessage(text, maxDiscordMessageLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("unable to send discord message", "error", err)
			return
		}
	}
}

// mapUser resolves a Discord username through the DiscordUserMap knowledge
// entry.
func (d *DiscordMessenger) mapUser(discordName string) (string, bool) {
	userMap, ok := d.knowledge["DiscordUserMap"].(map[string]any)
	if !ok {
		return "", false
	}
	name, ok := userMap[discordName].(string)
	return name, ok
}

// splitMessage chunks text at the given cap, preferring newline boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if text[i-1] == '\n' {
				cut = i
				break
			}
		}
		// never slice in the middle of a multi-byte rune
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
