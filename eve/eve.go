// Package eve implements a Discord bot with a trivia quiz game.
//
// Players launch quizzes with the `/quiz` slash command and answer by
// pressing buttons on the quiz message. Questions and per-user scores
// are stored in a relational database (SQLite or Postgres), and a
// `/ping` command reports gateway latency, memory use, and uptime.
package eve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Set via:
// -ldflags "-X github.com/f0wlerz/goblins/eve.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Eve is the bot: configuration, database, Discord session, and the
// in-memory quiz session store.
type Eve struct {
	config *Config
	logger *slog.Logger

	// logHandler fans out to the console, the daily log file, and
	// (above the configured level) the Discord log webhook
	logHandler slog.Handler
	fileWriter *dailyFileWriter
	webhookLog *webhookLogHandler

	db      *gorm.DB
	writeDB DBI

	discord              *Discord
	discordWebhookServer *DiscordWebhookServer

	webhookInteractionHandler gin.HandlerFunc

	quizzes *QuizSessionStore

	startedAt time.Time

	runMu         sync.Mutex
	signalStop    chan struct{}
	signalReady   chan struct{}
	eventShutdown chan struct{}

	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates and initializes a new Eve instance from the given
// config: logging, the Discord integration, the quiz session store,
// and (if enabled) the interaction webhook server. The database
// connection is established later, in [Eve.Run].
func New(config *Config) (*Eve, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	e := &Eve{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	e.fileWriter = newDailyFileWriter(config.LogDir)
	handlers := []slog.Handler{
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
		slog.NewTextHandler(
			e.fileWriter, &slog.HandlerOptions{Level: config.LogLevel},
		),
	}

	if config.Discord != nil && config.Discord.LogWebhookURL != "" {
		webhookLog, err := newWebhookLogHandler(
			nil,
			config.Discord.LogWebhookURL,
			config.Discord.WebhookLogLevel,
		)
		if err != nil {
			errs = append(errs, err)
		} else {
			e.webhookLog = webhookLog
			handlers = append(handlers, webhookLog)
		}
	}

	e.logHandler = newFanoutHandler(handlers...)
	e.logger = slog.New(e.logHandler)
	slog.SetDefault(e.logger)

	e.quizzes = NewQuizSessionStore(e.logger)

	e.config.Discord.httpClient = e.config.HTTPClient

	disc, err := newDiscord(e.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     e.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(e.logHandler).With(loggerNameKey, "discord")

	e.discord = disc
	disc.eve = e

	if config.Discord.WebhookServer.Enabled {
		webhookServer, werr := newWebhookServer(e, config.Discord.WebhookServer)
		errs = append(errs, werr)
		e.discordWebhookServer = webhookServer
	}

	return e, errors.Join(errs...)
}

// ValidateConfig validates the bot's configuration, including the
// presence of all required environment-sourced values.
func (e *Eve) ValidateConfig() error {
	return e.config.Validate()
}

// RegisterSlashCommands registers the bot's slash commands against the
// home guild via the bulk overwrite endpoint.
func (e *Eve) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return e.discord.registerCommands(options...)
}

// Run starts the bot and blocks until ctx is canceled or Stop is
// called, then shuts down gracefully.
func (e *Eve) Run(ctx context.Context) error {
	// prevents concurrent runs
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.signalStop = make(chan struct{}, 1)
	e.startedAt = time.Now()
	logger := e.logger

	if err := e.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", e.config))

	if e.signalReady == nil {
		e.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context - canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-e.signalStop:
			e.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			e.logger.Warn("context canceled, sending stop signal")
			e.signalStop <- struct{}{}
			return
		}
	}()

	e.webhookInteractionHandler = webhookReceiveHandler(ctx, e)

	startCtx, startCancel := context.WithTimeout(ctx, e.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- e.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	runtimeWG := &sync.WaitGroup{}

	if e.config.Discord.WebhookServer.Enabled {
		e.startWebhookServer(ctx, runtimeWG)
	}

	if discErr := e.initDiscordSession(ctx, runtimeWG); discErr != nil {
		e.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if e.webhookLog != nil {
		e.webhookLog.executor = e.discord.session
		e.webhookLog.Start(ctx)
	}

	e.logger.InfoContext(ctx, "connecting to discord")
	if err := e.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := e.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		e.quizzes.Run(ctx)
	}()

	e.signalReady <- struct{}{}
	e.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context
	<-ctx.Done()

	return e.shutdown(ctx, runtimeWG)
}

// Stop signals a running bot to begin a graceful shutdown.
func (e *Eve) Stop() {
	if e.signalStop != nil {
		e.signalStop <- struct{}{}
	}
}

// initRun establishes the database connection and runs migrations.
func (e *Eve) initRun(startCtx context.Context) error {
	e.logger.Debug("initializing DB...")
	db, err := CreateDB(startCtx, e.config.DatabaseType, e.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	dbHandler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     e.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	db.Logger = newGORMLogger(dbHandler, e.config.DatabaseSlowThreshold)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if e.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(
				pragmaErrors,
				db.WithContext(startCtx).Exec(p).Error,
			)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return pragmaErr
		}
	}

	e.db = db
	e.writeDB = NewDatabase(
		db,
		e.logger,
		e.config.DatabaseType == dbTypePostgres,
	)
	e.logger.Debug("finished initializing DB")
	return nil
}

// initDiscordSession creates the gateway session (if one wasn't
// injected) and wires up the event handlers.
func (e *Eve) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := e.logger.With(loggerNameKey, "discord_session")

	if e.discord.session == nil {
		disc, discErr := e.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		e.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(e.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range e.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	e.discord.session.SetIdentify(
		discordgo.Identify{Intents: e.config.Discord.GatewayIntents},
	)

	e.discord.discordgoRemoveHandlerFuncs = []func(){
		e.discord.session.AddHandler(e.discord.handlerConnect()),
		e.discord.session.AddHandler(e.discord.handlerDisconnect()),
		e.discord.session.AddHandler(e.discord.handlerReady()),
		e.discord.session.AddHandler(e.discord.handlerMessageCreate()),
		e.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := e.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					e.handleInteraction(ctx, handler)
				}()
			},
		),
	}

	if e.getInteractionHandlerFunc == nil {
		e.getInteractionHandlerFunc = func(
			rctx context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     e.discord.session,
				interaction: i,
				logger: e.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}

	return nil
}

func (e *Eve) startWebhookServer(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := e.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			e.logger.ErrorContext(
				ctx,
				"error serving webhook HTTP",
				tint.Err(httpErr),
			)
		}
	}()
}

func (e *Eve) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	e.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if e.eventShutdown != nil {
			go func() {
				e.eventShutdown <- struct{}{}
			}()
		}
		_ = e.fileWriter.Close()
	}()
	shutdownStart := time.Now()
	shutdownTimeout := e.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		e.logger.Warn("immediate shutdown")
		if e.discord.session != nil {
			_ = e.discord.session.Close()
		}
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	e.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", e.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		e.logger.InfoContext(
			ctx,
			"finished handling in-flight interactions",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if e.discordWebhookServer != nil && e.discordWebhookServer.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				e.logger.InfoContext(ctx, "stopping webhook http server")
				_ = e.discordWebhookServer.httpServer.Shutdown(closeCtx)
				e.logger.InfoContext(ctx, "webhook http server stopped")
			}()
		}

		if e.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				e.logger.InfoContext(ctx, "closing discord session")
				_ = e.discord.session.Close()
				e.logger.InfoContext(ctx, "discord session closed")
				for _, h := range e.discord.discordgoRemoveHandlerFuncs {
					h()
				}
			}()
		}

		go func() {
			e.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			e.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			e.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			e.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, force everything closed
			e.logger.Warn("shutdown did not finish in time, forcing close")
			if e.discordWebhookServer != nil && e.discordWebhookServer.httpServer != nil {
				go func() {
					_ = e.discordWebhookServer.httpServer.Close()
				}()
			}
			if e.discord.session != nil {
				go func() {
					_ = e.discord.session.Close()
				}()
			}
			return errors.New("forced shutdown after deadline")
		}
	}
}

// handleRecover logs a recovered panic along with its stack trace.
func handleRecover(ctx context.Context, rc any) {
	if rc == nil {
		return
	}
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", string(debug.Stack()),
	)
}

// DiscordInteractionReceiveMethod indicates how an interaction was
// received (gateway websocket or webhook HTTP).
type DiscordInteractionReceiveMethod string

const (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

// InteractionHandler defines the interface for handling Discord
// interactions. It provides methods for responding to interactions,
// retrieving responses, editing messages, and managing interaction
// lifecycle, independently of how the interaction was received.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for an interaction.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (
	*discordgo.Message,
	error,
) {
	msg, err := w.session.InteractionResponse(w.interaction.Interaction)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "got interaction response", "message", msg)
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) *InteractionLog {
	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		interactionLog.Content = i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		interactionLog.Content = i.MessageComponentData().CustomID
	}
	return interactionLog
}

// handleInteraction processes an incoming Discord interaction: slash
// commands (/ping, /quiz) and quiz answer button presses.
func (e *Eve) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	defer func() {
		handleRecover(ctx, recover())
	}()

	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := interactionUser(i)
	if discordUser == nil && i.Type != discordgo.InteractionPing {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(
		ctx,
		"received new interaction",
		"user", structToSlogValue(discordUser),
	)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog := newInteractionLog(i, discordUser)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, createErr := e.writeDB.Create(ctx, interactionLog); createErr != nil {
			logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
		}
	}()

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch i.Type {
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		prefix, _, _ := parseCustomID(customID)
		if prefix != quizAnswerCustomID {
			logger.WarnContext(ctx, "unknown component", "custom_id", customID)
			return
		}
		e.handleQuizAnswer(ctx, handler, *discordUser)
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name

		if ackErr := handler.Respond(ctx, e.discord.ackResponse()); ackErr != nil {
			logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
			return
		}

		u, _, userErr := e.writeDB.GetOrCreateUser(ctx, *discordUser)
		if userErr != nil {
			logger.ErrorContext(ctx, "error getting user", tint.Err(userErr))
			e.editWithError(ctx, handler, DefaultDiscordErrorMessage)
			return
		}
		logger = logger.With("user", u)
		ctx = WithLogger(ctx, logger)

		switch commandName {
		case DiscordSlashCommandPing:
			e.handlePingCommand(ctx, handler)
		case DiscordSlashCommandQuiz:
			e.handleQuizCommand(ctx, handler, u)
		default:
			logger.WarnContext(ctx, "unknown command", "command", commandName)
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type)
	}
}

// editWithError replaces the deferred interaction response with an
// error embed.
func (e *Eve) editWithError(
	ctx context.Context,
	handler InteractionHandler,
	message string,
) {
	embeds := []*discordgo.MessageEmbed{newErrorEmbed(message)}
	if _, err := handler.Edit(
		ctx, &discordgo.WebhookEdit{Embeds: &embeds},
	); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error sending error response",
			tint.Err(err),
		)
	}
}
