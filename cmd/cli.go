package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fzft/go-sft/client"
	"github.com/fzft/go-sft/deps/linenoise"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

const (
	SftCliHisFileEnv     = "SFTCLI_HISTFILE"
	SftCliHisFileDefault = ".sftcli_history"
)

var shellCommands = []string{"send", "get", "msg", "connect", "clear", "help", "quit", "exit"}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive client session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return errors.New("shell needs an interactive terminal")
		}
		addr, err := targetAddr()
		if err != nil {
			return err
		}
		cli := &SftCli{addr: addr, out: cmd.OutOrStdout(), getDir: "."}
		defer cli.disconnect()
		return cli.repl()
	},
}

// SftCli is an interactive session holding one server connection.
type SftCli struct {
	addr   string
	conn   *client.Client
	out    io.Writer
	getDir string
}

func (cli *SftCli) connect() error {
	if cli.conn != nil {
		return nil
	}
	c, err := client.Dial(cli.addr, timeout)
	if err != nil {
		return err
	}
	cli.conn = c
	return nil
}

func (cli *SftCli) disconnect() {
	if cli.conn != nil {
		_ = cli.conn.Close()
		cli.conn = nil
	}
}

func (cli *SftCli) prompt() string {
	if cli.conn == nil {
		return "not connected> "
	}
	return cli.addr + "> "
}

func (cli *SftCli) repl() error {
	line := linenoise.New()
	defer line.Close()
	line.SetCompletions(shellCommands)

	historyFile := getDotfilePath(SftCliHisFileEnv, SftCliHisFileDefault)
	if historyFile != "" {
		_ = line.HistoryLoad(historyFile)
	}

	if err := cli.connect(); err != nil {
		fmt.Fprintf(cli.out, "Could not connect to %s: %v\n", cli.addr, err)
	}

	for {
		input, err := line.Prompt(cli.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		argv := strings.Fields(input)
		if len(argv) == 0 {
			continue
		}
		line.AppendHistory(input)
		if historyFile != "" {
			_ = line.HistorySave(historyFile)
		}

		switch strings.ToLower(argv[0]) {
		case "quit", "exit":
			return nil
		case "clear":
			_ = line.ClearScreen()
			continue
		case "help":
			fmt.Fprintln(cli.out, "send <file>... | get <name>... | msg <text> | connect <host:port> | clear | quit")
			continue
		case "connect":
			if len(argv) != 2 {
				fmt.Fprintln(cli.out, "usage: connect <host:port>")
				continue
			}
			cli.disconnect()
			cli.addr = argv[1]
			if err := cli.connect(); err != nil {
				fmt.Fprintf(cli.out, "Could not connect to %s: %v\n", cli.addr, err)
			}
			continue
		}

		if err := cli.connect(); err != nil {
			fmt.Fprintf(cli.out, "Could not connect to %s: %v\n", cli.addr, err)
			continue
		}
		if err := cli.exec(argv, input); err != nil {
			fmt.Fprintf(cli.out, "(error) %v\n", err)
			// the server closes the connection on any failed request
			cli.disconnect()
		}
	}
}

func (cli *SftCli) exec(argv []string, input string) error {
	switch strings.ToLower(argv[0]) {
	case "send":
		if len(argv) < 2 {
			return errors.New("usage: send <file>...")
		}
		for _, path := range argv[1:] {
			if err := cli.conn.UploadFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cli.out, "sent %s\n", path)
		}
	case "get":
		if len(argv) < 2 {
			return errors.New("usage: get <name>...")
		}
		for _, name := range argv[1:] {
			dest, err := cli.conn.DownloadFile(name, cli.getDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cli.out, "saved %s\n", dest)
		}
	case "msg":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), argv[0]))
		if err := cli.conn.Message(text); err != nil {
			return err
		}
		fmt.Fprintln(cli.out, "OK")
	default:
		fmt.Fprintf(cli.out, "Unknown command '%s'\n", argv[0])
	}
	return nil
}

func getDotfilePath(envOverride, dotFilename string) string {
	path := os.Getenv(envOverride)
	if path != "" {
		if path == os.DevNull {
			return ""
		}
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, dotFilename)
}
