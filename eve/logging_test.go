package eve

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWebhookURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		id      string
		token   string
		wantErr bool
	}{
		{
			name:  "plain",
			url:   "https://discord.com/api/webhooks/1234567890/abc-def_ghi",
			id:    "1234567890",
			token: "abc-def_ghi",
		},
		{
			name:  "wait query parameter",
			url:   "https://discord.com/api/webhooks/1234567890/abc?wait=true",
			id:    "1234567890",
			token: "abc",
		},
		{
			name:  "trailing path",
			url:   "https://discord.com/api/webhooks/1234567890/abc/extra",
			id:    "1234567890",
			token: "abc",
		},
		{
			name:    "not a webhook url",
			url:     "https://discord.com/api/channels/1234567890",
			wantErr: true,
		},
		{
			name:    "missing token",
			url:     "https://discord.com/api/webhooks/1234567890",
			wantErr: true,
		},
		{
			name:    "empty",
			url:     "",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, token, err := ParseWebhookURL(tc.url)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.id, id)
			assert.Equal(t, tc.token, token)
		})
	}
}

func TestLogLevelColor(t *testing.T) {
	assert.Equal(t, 0x95A5A6, logLevelColor(slog.LevelDebug))
	assert.Equal(t, 0x3498DB, logLevelColor(slog.LevelInfo))
	assert.Equal(t, 0xF1C40F, logLevelColor(slog.LevelWarn))
	assert.Equal(t, 0xE74C3C, logLevelColor(slog.LevelError))

	// between-band levels round down to the nearest named level
	assert.Equal(t, 0x3498DB, logLevelColor(slog.LevelInfo+1))
	assert.Equal(t, 0xE74C3C, logLevelColor(slog.LevelError+4))
	assert.Equal(t, 0x95A5A6, logLevelColor(slog.LevelDebug-4))
}

func TestFanoutHandler(t *testing.T) {
	infoBuf := &bytes.Buffer{}
	errorBuf := &bytes.Buffer{}

	handler := newFanoutHandler(
		slog.NewTextHandler(
			infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo},
		),
		slog.NewTextHandler(
			errorBuf, &slog.HandlerOptions{Level: slog.LevelError},
		),
	)
	log := slog.New(handler)

	ctx := context.Background()
	assert.True(t, handler.Enabled(ctx, slog.LevelInfo))
	assert.True(t, handler.Enabled(ctx, slog.LevelError))
	assert.False(t, handler.Enabled(ctx, slog.LevelDebug))

	log.Info("informational")
	assert.Contains(t, infoBuf.String(), "informational")
	assert.Empty(t, errorBuf.String())

	log.Error("broken")
	assert.Contains(t, infoBuf.String(), "broken")
	assert.Contains(t, errorBuf.String(), "broken")
}

func TestFanoutHandlerWithAttrs(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := newFanoutHandler(
		slog.NewTextHandler(
			buf, &slog.HandlerOptions{Level: slog.LevelInfo},
		),
	)
	log := slog.New(handler.WithAttrs([]slog.Attr{slog.String("side", "a")}))
	log.Info("tagged")
	assert.Contains(t, buf.String(), "side=a")
}

func TestDailyFileWriter(t *testing.T) {
	dir := t.TempDir()
	w := newDailyFileWriter(dir)
	t.Cleanup(
		func() {
			_ = w.Close()
		},
	)

	day1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	w.nowFunc = func() time.Time { return day1 }

	n, err := w.Write([]byte("first line\n"))
	require.NoError(t, err)
	assert.Equal(t, len("first line\n"), n)

	_, err = w.Write([]byte("second line\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "2025-03-01.log"))
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line\n", string(content))

	// the date change rolls over to a new file
	w.nowFunc = func() time.Time { return day1.Add(24 * time.Hour) }
	_, err = w.Write([]byte("next day\n"))
	require.NoError(t, err)

	content, err = os.ReadFile(filepath.Join(dir, "2025-03-02.log"))
	require.NoError(t, err)
	assert.Equal(t, "next day\n", string(content))

	content, err = os.ReadFile(filepath.Join(dir, "2025-03-01.log"))
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line\n", string(content))
}

func TestWebhookLogHandlerDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	executor := newMockDiscordSession()
	handler, err := newWebhookLogHandler(
		executor,
		"https://discord.com/api/webhooks/1234567890/token-abc",
		slog.LevelWarn,
	)
	require.NoError(t, err)
	assert.Equal(t, "1234567890", handler.webhookID)
	assert.Equal(t, "token-abc", handler.webhookToken)

	assert.False(t, handler.Enabled(ctx, slog.LevelInfo))
	assert.True(t, handler.Enabled(ctx, slog.LevelWarn))
	assert.True(t, handler.Enabled(ctx, slog.LevelError))

	handler.Start(ctx)

	log := slog.New(handler.WithAttrs([]slog.Attr{slog.String("env", "test")}))
	log.Error("something broke", "detail", "wires crossed")

	var params *discordgo.WebhookParams
	select {
	case params = <-executor.callWebhookExecute:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}

	require.Len(t, params.Embeds, 1)
	embed := params.Embeds[0]
	assert.Equal(t, slog.LevelError.String(), embed.Title)
	assert.Equal(t, "something broke", embed.Description)
	assert.Equal(t, logLevelColor(slog.LevelError), embed.Color)

	fields := map[string]string{}
	for _, f := range embed.Fields {
		fields[f.Name] = f.Value
	}
	assert.Equal(t, "test", fields["env"])
	assert.Equal(t, "wires crossed", fields["detail"])
}

func TestWebhookLogHandlerDropsWhenFull(t *testing.T) {
	// never started, so the buffer fills and further records are
	// dropped without blocking
	handler, err := newWebhookLogHandler(
		newMockDiscordSession(),
		"https://discord.com/api/webhooks/1234567890/token-abc",
		slog.LevelInfo,
	)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < webhookLogBufferSize+10; i++ {
			_ = handler.Handle(
				context.Background(),
				slog.NewRecord(time.Now(), slog.LevelInfo, "spam", 0),
			)
		}
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("webhook log handler blocked on a full buffer")
	}
	assert.Len(t, handler.records, webhookLogBufferSize)
}

func TestWebhookLogHandlerTruncatesLongMessages(t *testing.T) {
	handler, err := newWebhookLogHandler(
		nil,
		"https://discord.com/api/webhooks/1234567890/token-abc",
		slog.LevelInfo,
	)
	require.NoError(t, err)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	params := handler.webhookParams(
		slog.NewRecord(time.Now(), slog.LevelInfo, string(long), 0),
	)
	require.Len(t, params.Embeds, 1)
	assert.Len(t, params.Embeds[0].Description, 4096)
}

func TestDiscordgoLoggerFunc(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := slog.NewTextHandler(
		buf, &slog.HandlerOptions{Level: slog.LevelDebug},
	)
	logFunc := discordgoLoggerFunc(context.Background(), handler)

	logFunc(discordgo.LogWarning, 0, "gateway %s", "reconnecting")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "gateway reconnecting")

	// unknown discordgo levels map to info
	buf.Reset()
	logFunc(99, 0, "unknown level")
	assert.Contains(t, buf.String(), "level=INFO")
}
