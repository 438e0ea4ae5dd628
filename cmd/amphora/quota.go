package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/amphorastore/amphora/pkg/log"
	"github.com/amphorastore/amphora/pkg/quotaholder"
	"github.com/amphorastore/amphora/pkg/types"
)

// Quota commands operate on the quota database directly; they are meant
// to run on the server host while the server is stopped, or against a
// copy of the database.
var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Manage resource quotas and commissions",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: log.ErrorLevel})
	},
}

func openQuotaService(cmd *cobra.Command) (*quotaholder.Service, error) {
	dir, _ := cmd.Flags().GetString("data-dir")
	return quotaholder.Open(filepath.Join(dir, "quota.db"))
}

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List holdings and their usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openQuotaService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		var holders, sources, resources []string
		if v, _ := cmd.Flags().GetString("holder"); v != "" {
			holders = []string{v}
		}
		if v, _ := cmd.Flags().GetString("source"); v != "" {
			sources = []string{v}
		}
		if v, _ := cmd.Flags().GetString("resource"); v != "" {
			resources = []string{v}
		}
		holdings, err := svc.GetQuota(holders, sources, resources)
		if err != nil {
			return err
		}
		if len(holdings) == 0 {
			fmt.Println("No holdings found.")
			return nil
		}
		fmt.Printf("%-24s %-24s %-24s %12s %12s %12s\n",
			"HOLDER", "SOURCE", "RESOURCE", "LIMIT", "USED", "PENDING")
		for key, q := range holdings {
			fmt.Printf("%-24s %-24s %-24s %12s %12s %12s\n",
				key.Holder, key.Source, key.Resource,
				formatQuantity(key.Resource, q.Limit),
				formatQuantity(key.Resource, q.UsageMin),
				formatQuantity(key.Resource, q.UsageMax-q.UsageMin))
		}
		return nil
	},
}

var quotaSetCmd = &cobra.Command{
	Use:   "set HOLDER SOURCE RESOURCE LIMIT",
	Short: "Set the limit of a holding",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("limit must be an integer: %w", err)
		}
		svc, err := openQuotaService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		key := types.HoldingKey{Holder: args[0], Source: args[1], Resource: args[2]}
		if err := svc.SetQuota([]quotaholder.QuotaEntry{{Key: key, Limit: limit}}); err != nil {
			return err
		}
		fmt.Printf("✓ Limit set: %s/%s/%s = %s\n",
			key.Holder, key.Source, key.Resource, formatQuantity(key.Resource, limit))
		return nil
	},
}

var quotaDeleteCmd = &cobra.Command{
	Use:   "delete HOLDER SOURCE RESOURCE",
	Short: "Delete a holding",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openQuotaService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		key := types.HoldingKey{Holder: args[0], Source: args[1], Resource: args[2]}
		if err := svc.DeleteQuota([]types.HoldingKey{key}); err != nil {
			return err
		}
		fmt.Printf("✓ Holding deleted: %s/%s/%s\n", key.Holder, key.Source, key.Resource)
		return nil
	},
}

var quotaCommissionsCmd = &cobra.Command{
	Use:   "commissions",
	Short: "List pending commission serials",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openQuotaService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		clientKey, _ := cmd.Flags().GetString("client-key")
		serials, err := svc.GetPendingCommissions(clientKey)
		if err != nil {
			return err
		}
		if len(serials) == 0 {
			fmt.Println("No pending commissions.")
			return nil
		}
		for _, serial := range serials {
			fmt.Println(serial)
		}
		return nil
	},
}

var quotaShowCmd = &cobra.Command{
	Use:   "show SERIAL",
	Short: "Show a pending commission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("serial must be an integer: %w", err)
		}
		svc, err := openQuotaService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		clientKey, _ := cmd.Flags().GetString("client-key")
		c, err := svc.GetCommission(clientKey, serial)
		if err != nil {
			return err
		}
		fmt.Printf("Serial:  %d\n", c.Serial)
		fmt.Printf("Name:    %s\n", c.Name)
		fmt.Printf("Issued:  %s (%s)\n", c.IssueTime.Format("2006-01-02 15:04:05"),
			humanize.Time(c.IssueTime))
		fmt.Println("Provisions:")
		for _, p := range c.Provisions {
			fmt.Printf("  %s/%s/%s: %+d\n", p.Holder, p.Source, p.Resource, p.Quantity)
		}
		return nil
	},
}

var quotaLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recently resolved provisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openQuotaService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := svc.ProvisionLog(limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Provision log is empty.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  #%d %s  %s/%s/%s %+d  usage %s/%s  %s\n",
				e.LogTime.Format("2006-01-02 15:04:05"),
				e.Serial, e.Reason,
				e.Holder, e.Source, e.Resource, e.DeltaQuantity,
				formatQuantity(e.Resource, e.UsageMin),
				formatQuantity(e.Resource, e.Limit),
				e.Name)
		}
		return nil
	},
}

// formatQuantity renders byte-denominated resources human readable and
// leaves countable ones as plain integers.
func formatQuantity(resource string, n int64) string {
	switch resource {
	case "amphora.diskspace", "amphora.ram", "amphora.disk":
		if n < 0 {
			return "-" + humanize.IBytes(uint64(-n))
		}
		if n == types.NoLimit {
			return "unlimited"
		}
		return humanize.IBytes(uint64(n))
	default:
		return strconv.FormatInt(n, 10)
	}
}

func init() {
	quotaCmd.PersistentFlags().String("data-dir", "data", "Data directory holding quota.db")

	quotaCommissionsCmd.Flags().String("client-key", "amphora", "Issuing client key")
	quotaShowCmd.Flags().String("client-key", "amphora", "Issuing client key")
	quotaLogCmd.Flags().Int("limit", 50, "Maximum entries to show")

	quotaCmd.AddCommand(quotaListCmd)
	quotaCmd.AddCommand(quotaSetCmd)
	quotaCmd.AddCommand(quotaDeleteCmd)
	quotaCmd.AddCommand(quotaCommissionsCmd)
	quotaCmd.AddCommand(quotaShowCmd)
	quotaCmd.AddCommand(quotaLogCmd)
}
