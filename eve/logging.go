package eve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// fanoutHandler duplicates every record to each child handler. A record
// is handled by every child whose level admits it, and errors from one
// child never prevent delivery to the others.
type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanoutHandler(handlers ...slog.Handler) slog.Handler {
	return fanoutHandler{handlers: handlers}
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: handlers}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: handlers}
}

// dailyFileWriter appends to a `YYYY-MM-DD.log` file under dir, rolling
// over to a new file when the local date changes. Write never returns
// an error: if the log file can't be opened, output falls back to
// stderr so logging failures never take the bot down.
type dailyFileWriter struct {
	mu      sync.Mutex
	dir     string
	date    string
	file    *os.File
	nowFunc func() time.Time
}

func newDailyFileWriter(dir string) *dailyFileWriter {
	return &dailyFileWriter{dir: dir, nowFunc: time.Now}
}

func (w *dailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.nowFunc().Format(time.DateOnly)
	if w.file == nil || date != w.date {
		if w.file != nil {
			_ = w.file.Close()
			w.file = nil
		}
		if err := os.MkdirAll(w.dir, 0o750); err != nil {
			_, _ = os.Stderr.Write(p)
			return len(p), nil
		}
		f, err := os.OpenFile(
			filepath.Join(w.dir, date+".log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY,
			0o640,
		)
		if err != nil {
			_, _ = os.Stderr.Write(p)
			return len(p), nil
		}
		w.file = f
		w.date = date
	}

	if _, err := w.file.Write(p); err != nil {
		_, _ = os.Stderr.Write(p)
	}
	return len(p), nil
}

func (w *dailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

var logLevelColors = map[slog.Level]int{
	slog.LevelDebug: 0x95A5A6,
	slog.LevelInfo:  0x3498DB,
	slog.LevelWarn:  0xF1C40F,
	slog.LevelError: 0xE74C3C,
}

func logLevelColor(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return logLevelColors[slog.LevelError]
	case level >= slog.LevelWarn:
		return logLevelColors[slog.LevelWarn]
	case level >= slog.LevelInfo:
		return logLevelColors[slog.LevelInfo]
	default:
		return logLevelColors[slog.LevelDebug]
	}
}

// webhookExecutor is the slice of the discord REST API the webhook log
// sink needs. *discordgo.Session satisfies it.
type webhookExecutor interface {
	WebhookExecute(
		webhookID string,
		token string,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

const (
	webhookLogBufferSize = 64
	webhookLogRateLimit  = rate.Limit(0.5)
	webhookLogRateBurst  = 5
)

// webhookLogHandler forwards records at or above its level to a Discord
// webhook as colored embeds. Delivery is asynchronous and rate limited,
// and records are dropped (with a note on the fallback logger) rather
// than ever blocking or failing the caller.
type webhookLogHandler struct {
	executor     webhookExecutor
	webhookID    string
	webhookToken string
	level        slog.Leveler
	limiter      *rate.Limiter
	records      chan slog.Record
	fallback     *slog.Logger
	attrs        []slog.Attr
	startOnce    *sync.Once
}

// ParseWebhookURL extracts the webhook ID and token from a Discord
// webhook URL of the form:
//
//	https://discord.com/api/webhooks/{id}/{token}
func ParseWebhookURL(webhookURL string) (id string, token string, err error) {
	_, rest, found := strings.Cut(webhookURL, "/webhooks/")
	if !found {
		return "", "", fmt.Errorf("not a discord webhook URL: %q", webhookURL)
	}
	id, token, found = strings.Cut(rest, "/")
	if !found || id == "" || token == "" {
		return "", "", fmt.Errorf("not a discord webhook URL: %q", webhookURL)
	}
	if i := strings.IndexAny(token, "/?"); i >= 0 {
		token = token[:i]
	}
	return id, token, nil
}

func newWebhookLogHandler(
	executor webhookExecutor,
	webhookURL string,
	level slog.Leveler,
) (*webhookLogHandler, error) {
	webhookID, webhookToken, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	return &webhookLogHandler{
		executor:     executor,
		webhookID:    webhookID,
		webhookToken: webhookToken,
		level:        level,
		limiter:      rate.NewLimiter(webhookLogRateLimit, webhookLogRateBurst),
		records:      make(chan slog.Record, webhookLogBufferSize),
		fallback: slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{Level: slog.LevelWarn},
			),
		).With(loggerNameKey, "log_webhook"),
		startOnce: &sync.Once{},
	}, nil
}

// Start launches the delivery goroutine. It returns immediately, and
// the goroutine exits when ctx is canceled.
func (h *webhookLogHandler) Start(ctx context.Context) {
	h.startOnce.Do(
		func() {
			go h.deliver(ctx)
		},
	)
}

func (h *webhookLogHandler) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-h.records:
			if h.executor == nil {
				h.fallback.Warn(
					"webhook log sink has no session, dropping record",
					"record_message", record.Message,
				)
				continue
			}
			if err := h.limiter.Wait(ctx); err != nil {
				return
			}
			params := h.webhookParams(record)
			if _, err := h.executor.WebhookExecute(
				h.webhookID,
				h.webhookToken,
				false,
				params,
			); err != nil {
				h.fallback.Warn(
					"webhook log delivery failed",
					tint.Err(err),
					"record_message", record.Message,
				)
			}
		}
	}
}

func (h *webhookLogHandler) webhookParams(record slog.Record) *discordgo.WebhookParams {
	var fields []*discordgo.MessageEmbedField
	addField := func(a slog.Attr) {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:   a.Key,
				Value:  truncate(a.Value.String(), 1024),
				Inline: true,
			},
		)
	}
	for _, a := range h.attrs {
		addField(a)
	}
	record.Attrs(
		func(a slog.Attr) bool {
			addField(a)
			return true
		},
	)
	return &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       record.Level.String(),
				Description: truncate(record.Message, 4096),
				Color:       logLevelColor(record.Level),
				Fields:      fields,
				Timestamp:   record.Time.UTC().Format(time.RFC3339),
			},
		},
	}
}

func (h *webhookLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *webhookLogHandler) Handle(_ context.Context, record slog.Record) error {
	select {
	case h.records <- record:
	default:
		h.fallback.Warn(
			"webhook log buffer full, dropping record",
			"record_message", record.Message,
		)
	}
	return nil
}

func (h *webhookLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup is accepted but flattened: webhook embeds have no nesting.
func (h *webhookLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

type gormStructuredLogger struct {
	logger        *slog.Logger
	handler       slog.Handler
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger: slog.New(handler).With(
			loggerNameKey,
			"gorm",
		), SlowThreshold: slowThreshold,
	}
}

func (g gormStructuredLogger) LogMode(_ logger.LogLevel) logger.Interface {
	return gormStructuredLogger{
		logger: slog.New(g.handler).With(
			loggerNameKey,
			"gorm",
		),
	}
}

func (g gormStructuredLogger) Info(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Warn(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Error(
	ctx context.Context,
	s string,
	i ...any,
) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	switch {
	case elapsed > g.SlowThreshold*time.Millisecond && g.SlowThreshold != 0:
		s, rowsAffected := fc()
		if rowsAffected == -1 {
			g.logger.Warn(
				"slow sql",
				"elapsed", elapsed.Seconds()*1e3,
				"threshold", g.SlowThreshold,
				"rows", "-",
				"sql", s,
				tint.Err(err),
			)
		} else {
			g.logger.Warn(
				"slow sql",
				"elapsed", elapsed.Seconds()*1e3,
				"threshold", g.SlowThreshold,
				"rows", rowsAffected,
				"sql", s,
				tint.Err(err),
			)
		}
	default:
		s, rowsAffected := fc()
		if rowsAffected == -1 {
			g.logger.DebugContext(
				ctx,
				"sql completed",
				"elapsed", time.Duration(float64(elapsed.Nanoseconds())/1e6),
				"threshold", g.SlowThreshold,
				"rows", "-",
				"sql", s,
				tint.Err(err),
			)
		} else {
			g.logger.DebugContext(
				ctx,
				"sql completed",
				"elapsed", time.Duration(float64(elapsed.Nanoseconds())/1e6),
				"threshold", g.SlowThreshold,
				"rows", rowsAffected,
				"sql", s,
				tint.Err(err),
			)
		}
	}
}
