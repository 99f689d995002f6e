// Command tasksync runs the task synchronization core outside a browser
// tab: a headless embedding useful for smoke-testing the transport/store
// wiring and for operator inspection of a session's local store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/estuary/tasksync/internal/bootstrap"
	"github.com/estuary/tasksync/internal/config"
	"github.com/estuary/tasksync/internal/model"
	"github.com/estuary/tasksync/internal/store"
	"github.com/estuary/tasksync/internal/transport"
	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

const configFilename = "tasksync.yaml"

type cmdRun struct {
	config.Flags
}

func (c *cmdRun) Execute(_ []string) error {
	cfg, err := loadConfig(c.Flags)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	channel, err := dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dial transport: %w", err)
	}
	defer channel.Close()

	coord, err := bootstrap.New(cfg, channel)
	if err != nil {
		return fmt.Errorf("construct coordinator: %w", err)
	}
	defer coord.Close()

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	color.Green("tasksync running for workspace %q (store %s)", cfg.WorkspaceID, cfg.StorePath)
	<-ctx.Done()
	log.Info("shutdown signal received, draining")
	return nil
}

type cmdDumpStore struct {
	StorePath string `long:"store" description:"path to the sqlite store file" required:"true"`
}

func (c *cmdDumpStore) Execute(_ []string) error {
	st, err := store.Open(c.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tasks, err := st.FilterTasks(func(*model.Task) bool { return true })
	if err != nil {
		return fmt.Errorf("filter tasks: %w", err)
	}
	for _, t := range tasks {
		fmt.Printf("%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, t.Title)
	}
	color.Cyan("%d task(s)", len(tasks))
	return nil
}

type cmdQueueSize struct {
	StorePath string `long:"store" description:"path to the sqlite store file" required:"true"`
}

func (c *cmdQueueSize) Execute(_ []string) error {
	st, err := store.Open(c.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	size, err := st.QueueSize()
	if err != nil {
		return fmt.Errorf("queue size: %w", err)
	}
	color.Yellow("%d operation(s) pending replay", size)
	return nil
}

func loadConfig(f config.Flags) (config.Config, error) {
	cfg := config.Default()
	if f.ConfigPath != "" {
		loaded, err := config.Load(f.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else if data, err := os.Stat(configFilename); err == nil && !data.IsDir() {
		loaded, err := config.Load(configFilename)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	return f.Overlay(cfg), nil
}

func dial(ctx context.Context, cfg config.Config) (bootstrap.Source, error) {
	if cfg.UseREST || cfg.TransportURL == "" {
		return transport.NewRESTChannel(cfg.RESTBaseURL), nil
	}
	return transport.Dial(ctx, cfg.TransportURL)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, name, short, long string, iface interface{}) *flags.Command {
	cmd, err := to.AddCommand(name, short, long, iface)
	if err != nil {
		log.WithError(err).Fatal("failed to add command")
	}
	return cmd
}

func main() {
	parser := flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "run", "Run the sync core against a dialed transport", `
Construct the full component graph (store, sequencer, checksum validator,
idempotency guard, offline queue, dispatcher, prefetch controller, idle
sync loop) and run it until signaled to exit.
`, &cmdRun{})

	addCmd(parser, "queue-size", "Print the offline queue depth of a store file", `
Open a store file (applying any pending migrations) and report how many operations are pending
replay, without dialing any transport.
`, &cmdQueueSize{})

	addCmd(parser, "dump-store", "Print every task in a store file", `
Open a store file (applying any pending migrations) and print its full task list, for operator
inspection without a UI.
`, &cmdDumpStore{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Fatal("command failed")
	}
}
