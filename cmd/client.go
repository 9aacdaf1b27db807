package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fzft/go-sft/client"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <file>...",
	Short: "Upload local files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *client.Client) error {
			for _, path := range args {
				if err := c.UploadFile(path); err != nil {
					return fmt.Errorf("send %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", path)
			}
			return nil
		})
	},
}

var getDir string

var getCmd = &cobra.Command{
	Use:   "get <name>...",
	Short: "Download files from the server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(getDir, 0755); err != nil {
			return err
		}
		return withClient(func(c *client.Client) error {
			for _, name := range args {
				dest, err := c.DownloadFile(name, getDir)
				if err != nil {
					return fmt.Errorf("get %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", dest)
			}
			return nil
		})
	},
}

var msgCmd = &cobra.Command{
	Use:   "msg <text>",
	Short: "Send a one line message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *client.Client) error {
			return c.Message(strings.Join(args, " "))
		})
	},
}

func init() {
	getCmd.Flags().StringVarP(&getDir, "dir", "d", ".", "directory to save into")
}

func withClient(fn func(c *client.Client) error) error {
	addr, err := targetAddr()
	if err != nil {
		return err
	}
	c, err := client.Dial(addr, timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
