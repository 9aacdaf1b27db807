package linenoise

import (
	"bytes"
	"fmt"
	"os"

	"github.com/peterh/liner"
)

type LineNoise struct {
	*liner.State
}

// New puts the terminal into raw mode; Close restores it.
func New() *LineNoise {
	ln := &LineNoise{liner.NewLiner()}
	ln.SetCtrlCAborts(true)
	return ln
}

// SetCompletions completes the first word of a line from words.
func (ln *LineNoise) SetCompletions(words []string) {
	ln.SetCompleter(func(line string) []string {
		var out []string
		for _, w := range words {
			if len(line) <= len(w) && w[:len(line)] == line {
				out = append(out, w+" ")
			}
		}
		return out
	})
}

func (ln *LineNoise) HistoryLoad(filepath string) error {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return err
	}
	_, err = ln.ReadHistory(bytes.NewReader(content))
	return err
}

func (ln *LineNoise) HistorySave(filepath string) error {
	var buf bytes.Buffer
	_, err := ln.WriteHistory(&buf)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, buf.Bytes(), 0644)
}

func (ln *LineNoise) ClearScreen() error {
	clearSeq := "\x1b[H\x1b[2J"
	_, err := fmt.Fprint(os.Stdout, clearSeq)
	return err
}
