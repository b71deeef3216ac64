package eve

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	embedFooterText = "Eve - always happy to help."

	embedColorBasic   = 0xFFFFFF
	embedColorError   = 0xFF0000
	embedColorSuccess = 0x00FF00
	embedColorQuiz    = 0x4B0082

	embedAuthorQuiz = "Eve - Quiz"
	embedAuthorPing = "Eve - Ping"

	// quizFieldRightAnswers and quizFieldWrongAnswers are the embed
	// fields listing who answered. Answer recovery for evicted
	// sessions depends on the field names staying stable.
	quizFieldRightAnswers = "Right answer(s)"
	quizFieldWrongAnswers = "Wrong answer(s)"

	quizFieldCategory = "Category / difficulty"
	quizFieldExpires  = "Expires"
	quizFieldAuthor   = "Author"
	quizFieldLauncher = "Requested by"
)

func newBasicEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Color: embedColorBasic,
		Footer: &discordgo.MessageEmbedFooter{
			Text: embedFooterText,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func newErrorEmbed(reason string) *discordgo.MessageEmbed {
	embed := newBasicEmbed()
	embed.Title = "Oops... something went wrong!"
	embed.Description = reason
	embed.Color = embedColorError
	return embed
}

func newSuccessEmbed(message string) *discordgo.MessageEmbed {
	embed := newBasicEmbed()
	embed.Title = "Success!"
	embed.Description = message
	embed.Color = embedColorSuccess
	return embed
}

func newQuizEmbed() *discordgo.MessageEmbed {
	embed := newBasicEmbed()
	embed.Author = &discordgo.MessageEmbedAuthor{Name: embedAuthorQuiz}
	return embed
}

func newQuizErrorEmbed(reason string) *discordgo.MessageEmbed {
	embed := newErrorEmbed(reason)
	embed.Author = &discordgo.MessageEmbedAuthor{Name: embedAuthorQuiz}
	return embed
}

func newQuizSuccessEmbed(message string) *discordgo.MessageEmbed {
	embed := newSuccessEmbed(message)
	embed.Author = &discordgo.MessageEmbedAuthor{Name: embedAuthorQuiz}
	return embed
}

// formatQuizCategory title-cases the category's first letter and
// replaces underscores with spaces.
func formatQuizCategory(category string) string {
	if category == "" {
		return category
	}
	category = strings.ReplaceAll(category, "_", " ")
	return strings.ToUpper(category[:1]) + category[1:]
}

// quizMessageEmbed renders the quiz message: the question in a code
// block, the four shuffled answers, and category/expiry/author fields.
func quizMessageEmbed(
	session *QuizSession,
	launcherID string,
) *discordgo.MessageEmbed {
	embed := newQuizEmbed()
	embed.Title = "Quiz question"
	embed.Color = embedColorQuiz
	embed.Description = fmt.Sprintf(
		"```%s```\n1) `%s`\n2) `%s`\n3) `%s`\n4) `%s`",
		session.Question.Question,
		session.ShuffledAnswers[0],
		session.ShuffledAnswers[1],
		session.ShuffledAnswers[2],
		session.ShuffledAnswers[3],
	)
	embed.Fields = []*discordgo.MessageEmbedField{
		{
			Name: quizFieldCategory,
			Value: fmt.Sprintf(
				"%s / %s",
				formatQuizCategory(session.Question.Category),
				session.Question.Difficulty,
			),
			Inline: true,
		},
		{
			Name:   quizFieldExpires,
			Value:  fmt.Sprintf("<t:%d:R>", session.ExpiresAt().Unix()),
			Inline: true,
		},
	}

	if session.Question.AuthorID != "" {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:   quizFieldAuthor,
				Value:  fmt.Sprintf("<@%s>", session.Question.AuthorID),
				Inline: true,
			},
		)
	} else {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:   quizFieldLauncher,
				Value:  fmt.Sprintf("<@%s>", launcherID),
				Inline: true,
			},
		)
	}
	return embed
}

// quizAnswerButtons returns the 1-4 answer buttons attached to every
// quiz message.
func quizAnswerButtons() []discordgo.MessageComponent {
	buttons := make([]discordgo.MessageComponent, 0, quizAnswerCount)
	for n := 1; n <= quizAnswerCount; n++ {
		label := strconv.Itoa(n)
		buttons = append(
			buttons, discordgo.Button{
				Label: label,
				Style: discordgo.PrimaryButton,
				CustomID: fmt.Sprintf(
					customIDFormat,
					quizAnswerCustomID,
					label,
				),
			},
		)
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: buttons},
	}
}

// updateRespondentField sets the right- or wrong-answer field on the
// quiz embed to mention everyone in userIDs, replacing the field's
// value when present and appending the field otherwise.
func updateRespondentField(
	embed *discordgo.MessageEmbed,
	fieldName string,
	userIDs []string,
) {
	mentions := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		mentions = append(mentions, fmt.Sprintf("<@%s>", id))
	}
	value := strings.Join(mentions, "\n")

	for _, field := range embed.Fields {
		if field.Name == fieldName {
			field.Value = value
			return
		}
	}
	embed.Fields = append(
		embed.Fields, &discordgo.MessageEmbedField{
			Name:   fieldName,
			Value:  value,
			Inline: true,
		},
	)
}

// questionFromQuizEmbed recovers the question text from a quiz
// message's embed description: the content of the leading code block.
func questionFromQuizEmbed(embed *discordgo.MessageEmbed) string {
	if embed == nil {
		return ""
	}
	parts := strings.Split(embed.Description, "```")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
