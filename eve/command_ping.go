package eve

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/shirou/gopsutil/v3/process"
)

// gateway latency bands, in milliseconds
const (
	pingThresholdVeryGood = 50
	pingThresholdGood     = 100
	pingThresholdFair     = 150
	pingThresholdWeak     = 200
	pingThresholdBad      = 500
)

const bytesPerMegabyte = 1024 * 1024

// pingStatus maps a gateway heartbeat latency to a status label and
// embed color.
func pingStatus(latency time.Duration) (status string, color int) {
	ms := latency.Milliseconds()
	switch {
	case ms <= 0:
		return "Surprising! 🟢", 0x000000
	case ms < pingThresholdVeryGood:
		return "Very good 🟢", 0x00FF00
	case ms < pingThresholdGood:
		return "Good 🟢", 0x00FF00
	case ms < pingThresholdFair:
		return "Fair 🟡", 0x00FF00
	case ms < pingThresholdWeak:
		return "Weak 🟠", 0xFFA500
	case ms < pingThresholdBad:
		return "Bad 🔴", 0xFF0000
	default:
		return "Very bad 🔴", 0xFF0000
	}
}

// formatUptime renders an uptime duration as days/hours/minutes,
// dropping the finer units as the uptime grows.
func formatUptime(uptime time.Duration) string {
	totalSeconds := int64(uptime.Seconds())
	days := totalSeconds / 86400
	hours := (totalSeconds % 86400) / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	default:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
}

// processMemory returns the process heap usage and resident set size,
// in bytes. RSS comes from the OS via gopsutil; a failure there only
// drops the RSS figure.
func processMemory() (heap uint64, rss uint64, err error) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	heap = memStats.HeapAlloc

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return heap, 0, err
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return heap, 0, err
	}
	return heap, memInfo.RSS, nil
}

// pingEmbed renders the system status embed: latency with its status
// band, memory usage, and uptime.
func pingEmbed(
	latency time.Duration,
	uptime time.Duration,
) *discordgo.MessageEmbed {
	status, color := pingStatus(latency)

	embed := newBasicEmbed()
	embed.Author = &discordgo.MessageEmbedAuthor{Name: embedAuthorPing}
	embed.Title = "📊 System status"
	embed.Description = "**The bot is up and running**"
	embed.Color = color
	embed.Fields = []*discordgo.MessageEmbedField{
		{
			Name: "🏓 Latency",
			Value: fmt.Sprintf(
				"```\n%dms\n%s```",
				latency.Milliseconds(),
				status,
			),
			Inline: true,
		},
	}

	heap, rss, err := processMemory()
	if err == nil && rss > 0 {
		memoryPercent := min(heap*100/rss, 100)
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name: "💾 Memory",
				Value: fmt.Sprintf(
					"```\n%.2f MB / %.2f MB RSS\n%d%% used```",
					float64(heap)/bytesPerMegabyte,
					float64(rss)/bytesPerMegabyte,
					memoryPercent,
				),
				Inline: true,
			},
		)
	} else {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name: "💾 Memory",
				Value: fmt.Sprintf(
					"```\n%.2f MB heap```",
					float64(heap)/bytesPerMegabyte,
				),
				Inline: true,
			},
		)
	}

	embed.Fields = append(
		embed.Fields, &discordgo.MessageEmbedField{
			Name:   "⏱️ Uptime",
			Value:  fmt.Sprintf("```\n%s```", formatUptime(uptime)),
			Inline: true,
		},
	)

	return embed
}

// handlePingCommand replaces the deferred `/ping` response with the
// system status embed.
func (e *Eve) handlePingCommand(
	ctx context.Context,
	handler InteractionHandler,
) {
	latency := e.discord.session.HeartbeatLatency()
	embed := pingEmbed(latency, time.Since(e.startedAt))

	embeds := []*discordgo.MessageEmbed{embed}
	if _, err := handler.Edit(
		ctx, &discordgo.WebhookEdit{Embeds: &embeds},
	); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error sending ping response",
			tint.Err(err),
		)
	}
}
