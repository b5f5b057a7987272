package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/matheus3301/sphere/internal/api"
	"github.com/matheus3301/sphere/internal/client"
	"github.com/matheus3301/sphere/internal/config"
	"github.com/matheus3301/sphere/internal/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, timeout, func(ctx context.Context, c *client.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(st)
			}
			printStatus(st)
			return nil
		})
	},
}

var selectName string

var selectCmd = &cobra.Command{
	Use:   "select <group|private> <id>",
	Short: "Switch the active conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, timeout, func(ctx context.Context, c *client.Client) error {
			info, err := c.SelectContext(ctx, args[0], args[1], selectName)
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(info)
			}
			fmt.Printf("Selected %s\n", describeContext(info))
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text...>",
	Short: "Send a message to the active conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, timeout, func(ctx context.Context, c *client.Client) error {
			id, err := c.Send(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(map[string]string{"provisional_id": id})
			}
			fmt.Println(id)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <provisional-id>",
	Short: "Re-send a pending or failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, timeout, func(ctx context.Context, c *client.Client) error {
			return c.Retry(ctx, args[0])
		})
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <provisional-id>",
	Short: "Drop a failed message from the timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, timeout, func(ctx context.Context, c *client.Client) error {
			return c.Discard(ctx, args[0])
		})
	},
}

var typingCmd = &cobra.Command{
	Use:       "typing <on|off>",
	Short:     "Report local typing activity",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, timeout, func(ctx context.Context, c *client.Client) error {
			return c.SignalTyping(ctx, args[0] == "on")
		})
	},
}

var (
	messagesLimit int
	messagesWidth int
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List the active conversation's timeline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, timeout, func(ctx context.Context, c *client.Client) error {
			info, msgs, err := c.Messages(ctx, messagesLimit)
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(msgs)
			}
			if info.Key == "" {
				fmt.Println("No conversation selected.")
				return nil
			}
			fmt.Printf("%s\n", describeContext(info))
			for _, m := range msgs {
				fmt.Println(formatMessage(m, messagesWidth))
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream engine events, optionally filtered by kind prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace := ""
		if len(args) == 1 {
			namespace = args[0]
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		cmd.SetContext(ctx)

		return withClient(cmd, 0, func(ctx context.Context, c *client.Client) error {
			err := c.Watch(ctx, namespace, func(evt api.Event) error {
				if jsonOut {
					return outputJSON(evt)
				}
				fmt.Println(formatEvent(evt))
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List group channels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, timeout, func(ctx context.Context, c *client.Client) error {
			entries, err := c.Groups(ctx)
			if err != nil {
				return err
			}
			return printEntries(entries)
		})
	},
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts for private chats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, timeout, func(ctx context.Context, c *client.Client) error {
			entries, err := c.Contacts(ctx)
			if err != nil {
				return err
			}
			return printEntries(entries)
		})
	},
}

var logsLines int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent daemon log lines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, timeout, func(ctx context.Context, c *client.Client) error {
			lines, err := c.Logs(ctx, logsLines)
			if err != nil {
				return err
			}
			if jsonOut {
				return outputJSON(lines)
			}
			for _, l := range lines {
				fmt.Println(l)
			}
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or write ~/.sphere/config.toml",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Resolve(session.ConfigPath())
		if err != nil {
			return err
		}
		if cfg.Token != "" {
			cfg.Token = "<redacted>"
		}
		return outputJSON(cfg)
	},
}

var configInit config.Config

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the backend endpoints",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg := configInit
		if err := cfg.Validate(); err != nil {
			return err
		}
		path := session.ConfigPath()
		if err := config.Save(path, &cfg); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	selectCmd.Flags().StringVar(&selectName, "name", "", "display name for the conversation")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 0, "show only the most recent N messages")
	messagesCmd.Flags().IntVar(&messagesWidth, "width", 80, "truncate message content to this many characters")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of lines to show; 0 for everything held")

	configInitCmd.Flags().StringVar(&configInit.APIURL, "api-url", "", "REST base URL")
	configInitCmd.Flags().StringVar(&configInit.WSURL, "ws-url", "", "websocket URL")
	configInitCmd.Flags().StringVar(&configInit.Token, "token", "", "bearer token")
	configInitCmd.Flags().StringVar(&configInit.Identity, "identity", "", "local sender identity; derived from the token when empty")
	configInitCmd.Flags().StringVar(&configInit.DefaultSession, "default-session", "", "session used when --session is not given")
	configCmd.AddCommand(configShowCmd, configInitCmd)
}
