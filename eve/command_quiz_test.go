package eve

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForQuizMessage receives the quiz message posted to the channel,
// failing the test if none arrives in time.
func waitForQuizMessage(
	t testing.TB,
	session *mockDiscordSession,
) *stubChannelMessageSendComplex {
	t.Helper()
	select {
	case sent := <-session.callChannelMessageSendComplex:
		return sent
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for quiz message")
		return nil
	}
}

func TestQuizLaunchCommand(t *testing.T) {
	t.Parallel()
	bot, session := newTestEve(t)
	ctx := context.Background()

	question := newTestQuestion()
	require.NoError(t, bot.writeDB.CreateQuizQuestion(ctx, question))

	u := newDiscordUser(t)
	interaction := newQuizCommandInteraction(t, u, quizSubcommandLaunch, nil)
	handler := newStubInteractionHandler(t, interaction)

	bot.handleInteraction(ctx, handler)

	// the command is acknowledged with a deferred ephemeral response
	ack := <-handler.callRespond
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		ack.Type,
	)
	require.NotNil(t, ack.Data)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, ack.Data.Flags)

	sent := waitForQuizMessage(t, session)
	assert.Equal(t, interaction.ChannelID, sent.ChannelID)
	require.Len(t, sent.Data.Embeds, 1)
	assert.Contains(t, sent.Data.Embeds[0].Description, question.Question)
	require.Len(t, sent.Data.Components, 1)
	row, ok := sent.Data.Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	assert.Len(t, row.Components, quizAnswerCount)

	edit := waitForEdit(t, handler)
	require.NotNil(t, edit.Embeds)
	require.Len(t, *edit.Embeds, 1)
	assert.Equal(t, msgQuizLaunched, (*edit.Embeds)[0].Description)

	assert.Equal(t, 1, bot.quizzes.Len())

	stored, err := bot.writeDB.QuizQuestionByText(ctx, question.Question)
	require.NoError(t, err)
	assert.Greater(t, stored.LastUsedAt, int64(0))
}

func TestQuizLaunchCommandNoQuestions(t *testing.T) {
	t.Parallel()
	bot, session := newTestEve(t)

	u := newDiscordUser(t)
	interaction := newQuizCommandInteraction(t, u, quizSubcommandLaunch, nil)
	handler := newStubInteractionHandler(t, interaction)

	bot.handleInteraction(context.Background(), handler)

	edit := waitForEdit(t, handler)
	require.NotNil(t, edit.Embeds)
	require.Len(t, *edit.Embeds, 1)
	assert.Equal(t, msgNoQuizQuestions, (*edit.Embeds)[0].Description)

	assert.Empty(t, session.callChannelMessageSendComplex)
	assert.Equal(t, 0, bot.quizzes.Len())
}

func quizCreateOptions(
	q *QuizQuestion,
) []*discordgo.ApplicationCommandInteractionDataOption {
	return []*discordgo.ApplicationCommandInteractionDataOption{
		stringOption(quizOptionQuestion, q.Question),
		stringOption(quizOptionAnswer, q.Answer),
		stringOption(quizOptionBad1, q.BadAnswer1),
		stringOption(quizOptionBad2, q.BadAnswer2),
		stringOption(quizOptionBad3, q.BadAnswer3),
		stringOption(quizOptionCategory, q.Category),
		stringOption(quizOptionDifficulty, string(q.Difficulty)),
	}
}

func TestQuizCreateCommand(t *testing.T) {
	t.Parallel()
	bot, _ := newTestEve(t)
	ctx := context.Background()

	question := newTestQuestion()
	u := newDiscordUser(t)
	interaction := newQuizCommandInteraction(
		t,
		u,
		quizSubcommandCreate,
		quizCreateOptions(question),
	)
	handler := newStubInteractionHandler(t, interaction)

	bot.handleInteraction(ctx, handler)

	edit := waitForEdit(t, handler)
	require.NotNil(t, edit.Embeds)
	require.Len(t, *edit.Embeds, 1)
	assert.Equal(t, msgQuizCreated, (*edit.Embeds)[0].Description)

	stored, err := bot.writeDB.QuizQuestionByText(ctx, question.Question)
	require.NoError(t, err)
	assert.Equal(t, question.Answer, stored.Answer)
	assert.Equal(t, question.Category, stored.Category)
	assert.Equal(t, u.ID, stored.AuthorID)
	assert.NotEmpty(t, stored.PublicID)
}

func TestQuizCreateCommandDuplicate(t *testing.T) {
	t.Parallel()
	bot, _ := newTestEve(t)
	ctx := context.Background()

	question := newTestQuestion()
	require.NoError(t, bot.writeDB.CreateQuizQuestion(ctx, question))

	u := newDiscordUser(t)
	interaction := newQuizCommandInteraction(
		t,
		u,
		quizSubcommandCreate,
		quizCreateOptions(newTestQuestion()),
	)
	handler := newStubInteractionHandler(t, interaction)

	bot.handleInteraction(ctx, handler)

	edit := waitForEdit(t, handler)
	require.NotNil(t, edit.Embeds)
	require.Len(t, *edit.Embeds, 1)
	assert.Equal(t, msgQuizQuestionExists, (*edit.Embeds)[0].Description)
}

func TestQuizLeaderboardCommand(t *testing.T) {
	t.Parallel()
	bot, _ := newTestEve(t)
	d, ok := bot.writeDB.(*database)
	require.True(t, ok)

	seedLeaderboardUser(t, d, "first", 8, 2, false)
	seedLeaderboardUser(t, d, "second", 4, 6, false)

	u := newDiscordUser(t)
	interaction := newQuizCommandInteraction(
		t,
		u,
		quizSubcommandLeaderboard,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			stringOption(
				quizOptionLeaderboard,
				string(LeaderboardBestScores),
			),
		},
	)
	handler := newStubInteractionHandler(t, interaction)

	bot.handleInteraction(context.Background(), handler)

	edit := waitForEdit(t, handler)
	require.NotNil(t, edit.Embeds)
	require.Len(t, *edit.Embeds, 1)
	embed := (*edit.Embeds)[0]

	assert.Equal(t, "Quiz leaderboard", embed.Title)
	assert.Contains(t, embed.Description, "Best scores")

	// the invoking user is created on every command, but has no
	// answers yet and stays off the board
	require.Len(t, embed.Fields, 2)
	assert.Equal(t, "1. Ratio: 80.0%", embed.Fields[0].Name)
	assert.Equal(
		t,
		"<@first> - Right answers: 8, Wrong answers: 2",
		embed.Fields[0].Value,
	)
	assert.Equal(t, "2. Ratio: 40.0%", embed.Fields[1].Name)
}

func TestQuizLeaderboardCommandDefaultsToBestScores(t *testing.T) {
	t.Parallel()
	bot, _ := newTestEve(t)
	d, ok := bot.writeDB.(*database)
	require.True(t, ok)

	seedLeaderboardUser(t, d, "only", 1, 0, false)

	u := newDiscordUser(t)
	interaction := newQuizCommandInteraction(
		t,
		u,
		quizSubcommandLeaderboard,
		nil,
	)
	handler := newStubInteractionHandler(t, interaction)

	bot.handleInteraction(context.Background(), handler)

	edit := waitForEdit(t, handler)
	require.NotNil(t, edit.Embeds)
	embed := (*edit.Embeds)[0]
	assert.Contains(t, embed.Description, "Best scores")
	require.Len(t, embed.Fields, 1)
	assert.Contains(t, embed.Fields[0].Value, "<@only>")
}

func TestQuizLeaderboardCommandUnknownSort(t *testing.T) {
	t.Parallel()
	bot, _ := newTestEve(t)

	u := newDiscordUser(t)
	interaction := newQuizCommandInteraction(
		t,
		u,
		quizSubcommandLeaderboard,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			stringOption(quizOptionLeaderboard, "alphabetical"),
		},
	)
	handler := newStubInteractionHandler(t, interaction)

	bot.handleInteraction(context.Background(), handler)

	edit := waitForEdit(t, handler)
	require.NotNil(t, edit.Embeds)
	assert.Equal(t, msgQuizGenericError, (*edit.Embeds)[0].Description)
}

func TestQuizCommandFromBotUserIgnored(t *testing.T) {
	t.Parallel()
	bot, session := newTestEve(t)

	u := newDiscordUser(t)
	u.Bot = true
	interaction := newQuizCommandInteraction(t, u, quizSubcommandLaunch, nil)
	handler := newStubInteractionHandler(t, interaction)

	bot.handleInteraction(context.Background(), handler)

	assert.Empty(t, handler.callRespond)
	assert.Empty(t, handler.callEdit)
	assert.Empty(t, session.callChannelMessageSendComplex)
}
