package banner

import (
	"github.com/charmbracelet/lipgloss"

	"steadyws/internal/tui/styles"
)

const ascii = `
   _____ __                 __     _       _______
  / ___// /____  ____ _____/ /_  _| |     / / ___/
  \__ \/ __/ _ \/ __ '/ __  / / / / | /| / /\__ \ 
 ___/ / /_/  __/ /_/ / /_/ / /_/ /| |/ |/ /___/ / 
/____/\__/\___/\__,_/\__,_/\__, / |__/|__//____/  
                          /____/                  `

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	tagline := renderer.NewStyle().Foreground(styles.ColorSubtle).
		Render("  staged WebSocket load, thresholds that abort")

	return "\n" + style.Render(ascii) + "\n" + tagline + "\n"
}
