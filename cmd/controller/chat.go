package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danielpatrickdp/convoloop/internal/convo"
	"github.com/danielpatrickdp/convoloop/internal/loop"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the coordinator from the terminal",
	Long: `chat runs the coordinator in-process and reads one input per line.

Commands:
  /train     switch to training
  /infer     switch to inference
  /status    print the loop status
  /new       start a new conversation
  quit       exit`,
	RunE: runChat,
}

// #region chat
func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.coord.Start(cmd.Context()); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		a.coord.Stop(ctx)
	}()
	if err := a.coord.Patch(loop.StatePatch{State: a.cfg.InitialState()}); err != nil {
		return err
	}

	fmt.Println("convoloop chat ready. Type a message (or 'quit' to exit):")

	scanner := bufio.NewScanner(os.Stdin)
	convoID, msgID := 1, 0

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "quit", "exit":
			return nil
		case "/train":
			patch(a, loop.StateTraining)
			continue
		case "/infer":
			patch(a, loop.StateInference)
			continue
		case "/status":
			printStatus(a.coord.Status())
			continue
		case "/new":
			convoID++
			fmt.Printf("[conversation %d]\n", convoID)
			continue
		}

		msgID++
		msg := convo.ConvoMessage{
			ConvoID:   convoID,
			MessageID: msgID,
			Timestamp: convo.Timestamp(time.Now()),
			Kind:      convo.KindInput,
			Text:      line,
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Loop.AwaitTimeout)
		resp, err := a.coord.Infer(ctx, msg)
		cancel()
		if err != nil {
			fmt.Printf("[error] %v\n", err)
			continue
		}
		if resp.Failed() {
			fmt.Printf("[%s] %s\n", resp.ErrorKind, resp.Error)
			continue
		}
		fmt.Printf("\n%s\n\n[msg %d] trust=%.2f\n", resp.Text, resp.MessageID, resp.Trust)
	}
	return scanner.Err()
}

func patch(a *app, st loop.State) {
	if err := a.coord.Patch(loop.StatePatch{State: st}); err != nil {
		fmt.Printf("[error] %v\n", err)
		return
	}
	fmt.Printf("[patched to %s]\n", st)
}

func printStatus(st loop.Status) {
	fmt.Printf("state=%s trust=%.2f mod=%.2f queued=%d processed=%d epochs=%d steps=%d",
		st.State, st.Trust, st.TrustMod, st.QueueLen, st.Processed, st.ClassifierEpochs, st.TrainingSteps)
	if st.LastError != "" {
		fmt.Printf(" error=%q", st.LastError)
	}
	fmt.Println()
}

// #endregion chat
