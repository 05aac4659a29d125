package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	tably "github.com/tablyhq/tably-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// orders list
	ordersListStatus string
	ordersListLimit  int
	ordersListJSON   bool
)

// ============================================================================
// Root orders command
// ============================================================================

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Order commands",
	Long:  "List orders and move them through the kitchen workflow.",
}

// ============================================================================
// orders list
// ============================================================================

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the company's orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newSDKClient()
		if err != nil {
			return err
		}
		requireSession(store)

		ctx, cancel := cmdContext()
		defer cancel()

		var opts *tably.OrderListOptions
		if ordersListStatus != "" || ordersListLimit > 0 {
			opts = &tably.OrderListOptions{Status: ordersListStatus, Limit: ordersListLimit}
		}

		orders, err := client.Orders().List(ctx, opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if ordersListJSON {
			data, err := json.MarshalIndent(orders, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(orders) == 0 {
			fmt.Println("No orders.")
			return nil
		}
		for _, o := range orders {
			fmt.Printf("%s  table %-4s %-10s %8.2f  %s\n",
				o.ID, valueOrDefault(o.TableID, "-"), colorStatus(o.Status), o.Total, o.CreatedAt)
		}
		return nil
	},
}

// ============================================================================
// orders status
// ============================================================================

var ordersStatusCmd = &cobra.Command{
	Use:   "status <order-id> <status>",
	Short: "Update an order's status",
	Long: "Move an order to a new status.\nValid statuses: " +
		strings.Join(orderStatuses(), ", ") + ".",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newSDKClient()
		if err != nil {
			return err
		}
		requireSession(store)

		ctx, cancel := cmdContext()
		defer cancel()

		order, err := client.Orders().UpdateStatus(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Order %s is now %s\n", order.ID, colorStatus(order.Status))
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

func orderStatuses() []string {
	return []string{
		tably.OrderStatusPending,
		tably.OrderStatusPreparing,
		tably.OrderStatusReady,
		tably.OrderStatusDelivered,
		tably.OrderStatusCancelled,
	}
}

// colorStatus renders an order status with the kitchen display colors.
func colorStatus(status string) string {
	switch status {
	case tably.OrderStatusPending:
		return color.YellowString(status)
	case tably.OrderStatusPreparing:
		return color.BlueString(status)
	case tably.OrderStatusReady:
		return color.GreenString(status)
	case tably.OrderStatusDelivered:
		return color.CyanString(status)
	case tably.OrderStatusCancelled:
		return color.RedString(status)
	default:
		return status
	}
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	// orders list
	ordersListCmd.Flags().StringVar(&ordersListStatus, "status", "", "Filter by status")
	ordersListCmd.Flags().IntVarP(&ordersListLimit, "limit", "n", 0, "Maximum number of orders to return")
	ordersListCmd.Flags().BoolVar(&ordersListJSON, "json", false, "Output raw JSON")

	ordersCmd.AddCommand(ordersListCmd)
	ordersCmd.AddCommand(ordersStatusCmd)
	rootCmd.AddCommand(ordersCmd)
}
