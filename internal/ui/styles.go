// Package ui renders CLI output.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	pass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#73F59F"}
	warn   = lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#F2C14E"}
	fail   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#FF6B6B"}
	accent = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	muted  = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}

	PassStyle   = lipgloss.NewStyle().Foreground(pass)
	WarnStyle   = lipgloss.NewStyle().Foreground(warn)
	FailStyle   = lipgloss.NewStyle().Foreground(fail).Bold(true)
	AccentStyle = lipgloss.NewStyle().Foreground(accent)
	MutedStyle  = lipgloss.NewStyle().Foreground(muted)
	BoldStyle   = lipgloss.NewStyle().Bold(true)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accent).
			MarginBottom(1)
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		DisableColor()
	}
}

// DisableColor turns off styling for all subsequent renders.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderBold(s string) string   { return BoldStyle.Render(s) }
