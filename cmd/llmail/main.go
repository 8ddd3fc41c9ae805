// Command llmail answers mail in a watched mailbox with a language model.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/nhle/llmail/internal/model"
	"github.com/nhle/llmail/internal/theme"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var cfgErr *model.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, theme.ErrorStyle.Render("configuration error:"), cfgErr.Error())
		} else {
			fmt.Fprintln(os.Stderr, theme.ErrorStyle.Render("error:"), err)
		}
		os.Exit(1)
	}
}
