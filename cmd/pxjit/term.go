package main

import (
	"os"

	"github.com/mattn/go-isatty"
)

func isTerminal() bool { return isatty.IsTerminal(os.Stderr.Fd()) }
