package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	tably "github.com/tablyhq/tably-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	listenChannels []string
	listenBell     bool
)

// bellSink rings the terminal bell once per delivered event.
type bellSink struct{}

func (bellSink) Notify(kind string, payload json.RawMessage) {
	fmt.Print("\a")
}

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow live events",
	Long:  "Connect to the push channel and print events until interrupted.\nThe connection heals itself; state transitions are shown as they happen.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newSDKClient()
		if err != nil {
			return err
		}
		sess := requireSession(store)

		cfg := &tably.RealtimeConfig{}
		if listenBell {
			cfg.Notifier = bellSink{}
		}
		rt := client.Realtime(cfg)

		// Print every lifecycle transition; StateClosed releases the wait.
		closed := make(chan struct{})
		rt.OnStateChange(func(sc tably.StateChange) {
			line := fmt.Sprintf("state: %s -> %s", sc.Previous, sc.Current)
			if sc.Reason != nil {
				line += fmt.Sprintf(" (%v)", sc.Reason)
			}
			fmt.Println(color.HiBlackString(line))
			if sc.Current == tably.StateClosed {
				close(closed)
			}
		})

		rt.OnNewOrder(func(o tably.Order) {
			fmt.Printf("%s  %s table %s total %.2f\n",
				color.GreenString("new-order"), o.ID, valueOrDefault(o.TableID, "-"), o.Total)
		})
		rt.OnStatusUpdate(func(e tably.StatusUpdateEvent) {
			fmt.Printf("%s  %s -> %s\n",
				color.BlueString("status-update"), e.OrderID, colorStatus(e.Status))
		})
		rt.OnChatMessage(func(m tably.ChatMessage) {
			fmt.Printf("%s  [%s] %s: %s\n",
				color.CyanString("chat-message"), m.Channel, valueOrDefault(m.SenderName, m.SenderID), m.Body)
		})
		rt.OnLowStock(func(s tably.StockItem) {
			fmt.Printf("%s  %s at %.1f (reorder at %.1f)\n",
				color.YellowString("low-stock"), s.Name, s.Quantity, s.ReorderAt)
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Channels are joined on connect and replayed on every reconnect.
		join := map[string]string{"companyId": sess.Identity.CompanyID}
		for _, ch := range listenChannels {
			if err := rt.Subscribe(ctx, ch, join); err != nil {
				return fmt.Errorf("subscribe %s: %w", ch, err)
			}
		}

		if err := rt.Connect(ctx); err != nil {
			return err
		}
		fmt.Printf("Listening on %s (Ctrl-C to stop)\n", strings.Join(listenChannels, ", "))

		select {
		case <-ctx.Done():
		case <-closed:
			return fmt.Errorf("connection closed: reconnect attempts exhausted")
		}

		return rt.Disconnect()
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	listenCmd.Flags().StringArrayVar(&listenChannels, "channel", []string{"orders", "inventory"}, "Channel to subscribe (repeatable)")
	listenCmd.Flags().BoolVar(&listenBell, "bell", false, "Ring the terminal bell on each event")
	rootCmd.AddCommand(listenCmd)
}
