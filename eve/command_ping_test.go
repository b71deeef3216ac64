package eve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingStatus(t *testing.T) {
	tests := []struct {
		latency time.Duration
		status  string
		color   int
	}{
		{0, "Surprising! 🟢", 0x000000},
		{-5 * time.Millisecond, "Surprising! 🟢", 0x000000},
		{25 * time.Millisecond, "Very good 🟢", 0x00FF00},
		{49 * time.Millisecond, "Very good 🟢", 0x00FF00},
		{50 * time.Millisecond, "Good 🟢", 0x00FF00},
		{99 * time.Millisecond, "Good 🟢", 0x00FF00},
		{100 * time.Millisecond, "Fair 🟡", 0x00FF00},
		{150 * time.Millisecond, "Weak 🟠", 0xFFA500},
		{200 * time.Millisecond, "Bad 🔴", 0xFF0000},
		{499 * time.Millisecond, "Bad 🔴", 0xFF0000},
		{500 * time.Millisecond, "Very bad 🔴", 0xFF0000},
		{30 * time.Second, "Very bad 🔴", 0xFF0000},
	}
	for _, tc := range tests {
		t.Run(tc.status, func(t *testing.T) {
			status, color := pingStatus(tc.latency)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.color, color)
		})
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		uptime   time.Duration
		expected string
	}{
		{45 * time.Second, "0m 45s"},
		{90 * time.Second, "1m 30s"},
		{59 * time.Minute, "59m 0s"},
		{time.Hour + 5*time.Minute + 9*time.Second, "1h 5m 9s"},
		{23*time.Hour + 59*time.Minute, "23h 59m 0s"},
		{24 * time.Hour, "1d 0h 0m"},
		{49*time.Hour + 30*time.Minute, "2d 1h 30m"},
	}
	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, formatUptime(tc.uptime))
		})
	}
}

func TestPingEmbed(t *testing.T) {
	embed := pingEmbed(42*time.Millisecond, 90*time.Second)

	assert.Equal(t, "📊 System status", embed.Title)
	assert.Equal(t, 0x00FF00, embed.Color)
	require.Len(t, embed.Fields, 3)

	assert.Equal(t, "🏓 Latency", embed.Fields[0].Name)
	assert.Contains(t, embed.Fields[0].Value, "42ms")
	assert.Contains(t, embed.Fields[0].Value, "Very good 🟢")

	assert.Equal(t, "💾 Memory", embed.Fields[1].Name)
	assert.Contains(t, embed.Fields[1].Value, "MB")

	assert.Equal(t, "⏱️ Uptime", embed.Fields[2].Name)
	assert.Contains(t, embed.Fields[2].Value, "1m 30s")
}

func TestHandlePingCommand(t *testing.T) {
	t.Parallel()
	bot, _ := newTestEve(t)

	u := newDiscordUser(t)
	interaction := newPingInteraction(t, u)
	handler := newStubInteractionHandler(t, interaction)

	bot.handlePingCommand(context.Background(), handler)

	edit := waitForEdit(t, handler)
	require.NotNil(t, edit.Embeds)
	embeds := *edit.Embeds
	require.Len(t, embeds, 1)
	assert.Equal(t, "📊 System status", embeds[0].Title)

	// the mock gateway reports a fixed 42ms heartbeat
	assert.Contains(t, embeds[0].Fields[0].Value, "42ms")
}
