package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/sokrates/pkg/chat"
	"github.com/go-go-golems/sokrates/pkg/conversation"
	"github.com/go-go-golems/sokrates/pkg/critic"
	"github.com/go-go-golems/sokrates/pkg/events"
	"github.com/go-go-golems/sokrates/pkg/profile"
	"github.com/go-go-golems/sokrates/pkg/settings"
)

const chatTopic = "chat"

func defaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cognitive_profile.json"
	}
	return filepath.Join(home, ".sokrates", "cognitive_profile.json")
}

func newChatCommand() *cobra.Command {
	var (
		profilePath string
		noStream    bool
		autosave    bool
		showCritic  bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive socratic dialogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ss, err := loadSettings()
			if err != nil {
				return err
			}
			if noStream {
				ss.Chat.Stream = false
			}

			historian, err := profile.NewHistorian(profilePath)
			if err != nil {
				return err
			}

			return runChat(cmd.Context(), &chatOptions{
				settings:   ss,
				historian:  historian,
				autosave:   autosave,
				showCritic: showCritic,
			})
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile-file", defaultProfilePath(), "cognitive profile file")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for complete replies instead of streaming")
	cmd.Flags().BoolVar(&autosave, "autosave", false, "persist the conversation after every turn")
	cmd.Flags().BoolVar(&showCritic, "show-critic", false, "print the hidden critic analysis before each reply")

	return cmd
}

type chatOptions struct {
	settings   *settings.StepSettings
	historian  *profile.Historian
	autosave   bool
	showCritic bool
}

func runChat(ctx context.Context, opts *chatOptions) error {
	router, err := events.NewEventRouter()
	if err != nil {
		return errors.Wrap(err, "failed to create event router")
	}
	defer func() {
		_ = router.Close()
	}()

	router.AddHandler("printer", chatTopic,
		events.DispatchHandler(events.PrinterFunc("Socrates", os.Stdout)))

	var managerOptions []conversation.ManagerOption
	if opts.autosave {
		managerOptions = append(managerOptions, conversation.WithAutosave(""))
	}
	manager := conversation.NewManager(managerOptions...)

	client := chat.NewGeminiClient(opts.settings)
	controller := chat.NewController(opts.settings, client,
		chat.WithManager(manager),
		chat.WithEventSinks(events.NewWatermillSink(router.Publisher, chatTopic)))

	theCritic, err := critic.NewCritic(opts.settings, client)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		<-router.Running()
		return dialogueLoop(ctx, controller, theCritic, opts)
	})

	return eg.Wait()
}

// dialogueLoop reads user arguments from stdin and drives the three-agent
// cycle: the historian supplies context, the critic analyzes the argument,
// and the persona replies through the controller.
func dialogueLoop(ctx context.Context, controller *chat.Controller, theCritic *critic.Critic, opts *chatOptions) error {
	fmt.Println("Socratic Partner. State a belief or argument (ctrl-d to quit).")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		analysis, err := theCritic.Analyze(ctx, input, opts.historian.ContextSummary())
		if err != nil {
			fmt.Fprintf(os.Stderr, "critic failed: %s\n", err)
			continue
		}
		if opts.showCritic {
			fmt.Printf("[critic] fallacy=%s strategy=%s\n",
				analysis.IdentifiedFallacy, analysis.AdversarialStrategy)
		}

		_, err = controller.Submit(ctx, input,
			chat.WithSystemPrompt(critic.SocraticSystemPrompt(analysis)))
		if err != nil {
			switch {
			case chat.IsKind(err, chat.KindStreamInterrupted):
				// the printer already noted the interruption, partial turn kept
			case chat.IsKind(err, chat.KindPromptTooLarge):
				fmt.Fprintln(os.Stderr, "your message is too large for the context window, try a shorter one")
			default:
				fmt.Fprintf(os.Stderr, "error: %s\n", err)
			}
		}

		if err := opts.historian.RecordInteraction(input, analysis.IdentifiedFallacy, analysis.AdversarialStrategy); err != nil {
			log.Warn().Err(err).Msg("failed to update cognitive profile")
		}
	}
}
