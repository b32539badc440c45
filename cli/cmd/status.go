package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"southwinds.dev/slotvault"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storage engine status",
	Long:  "Display information about the engine including memory protection level, store backend and slot population.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Slot Engine Status")
	fmt.Println("==================")
	fmt.Printf("Tenant:            %s\n", tenantID)
	fmt.Printf("Store Backend:     %s\n", engine.StoreType())
	fmt.Printf("Memory Protection: %s\n", engine.SecureMemoryProtection())

	actor := slotvault.ActorUid(actorID)
	slots := engine.Slots()
	populated := 0
	for _, slot := range slots {
		empty, err := engine.IsEmpty(actor, slot)
		if err != nil {
			// slots the CLI actor has no rights on still count as provisioned
			continue
		}
		if !empty {
			populated++
		}
	}
	fmt.Printf("Provisioned Slots: %d\n", len(slots))
	fmt.Printf("Populated Slots:   %d\n", populated)
	return nil
}
