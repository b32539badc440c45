package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"southwinds.dev/slotvault"
)

var (
	saveFile       string
	saveType       string
	saveAlgorithm  string
	saveExportable bool
	exportOutFile  string
)

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Inspect and manage slots",
	Long:  "List, inspect, fill, clear and export the provisioned slots of a tenant.",
}

var slotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned slots",
	RunE:  runSlotsList,
}

var slotsShowCmd = &cobra.Command{
	Use:   "show <slot-number>",
	Short: "Show one slot's restrictions and content properties",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlotsShow,
}

var slotsSaveCmd = &cobra.Command{
	Use:   "save <slot-number>",
	Short: "Save a payload file into a slot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlotsSave,
}

var slotsClearCmd = &cobra.Command{
	Use:   "clear <slot-number>",
	Short: "Clear a slot's content",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlotsClear,
}

var slotsExportCmd = &cobra.Command{
	Use:   "export <slot-number>",
	Short: "Export a slot's payload bytes",
	Long:  "Export the raw payload of a populated slot. Only the slot's owner may export, and only content saved as exportable.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlotsExport,
}

func init() {
	rootCmd.AddCommand(slotsCmd)
	slotsCmd.AddCommand(slotsListCmd, slotsShowCmd, slotsSaveCmd, slotsClearCmd, slotsExportCmd)

	slotsSaveCmd.Flags().StringVarP(&saveFile, "file", "f", "", "payload file (required)")
	slotsSaveCmd.Flags().StringVar(&saveType, "type", "key", "object type (key, certificate, seed)")
	slotsSaveCmd.Flags().StringVar(&saveAlgorithm, "algorithm", "", "algorithm id of the object")
	slotsSaveCmd.Flags().BoolVar(&saveExportable, "exportable", false, "mark the object exportable")
	_ = slotsSaveCmd.MarkFlagRequired("file")

	slotsExportCmd.Flags().StringVarP(&exportOutFile, "out", "o", "", "write payload to file instead of stdout")
}

func parseSlotArg(arg string) (slotvault.SlotNumber, error) {
	n, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid slot number %q: %w", arg, err)
	}
	return slotvault.SlotNumber(n), nil
}

func runSlotsList(cmd *cobra.Command, args []string) error {
	actor := slotvault.ActorUid(actorID)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tSTATE\tTYPE\tALGORITHM\tSIZE")
	for _, slot := range engine.Slots() {
		empty, err := engine.IsEmpty(actor, slot)
		if err != nil {
			if errors.Is(err, slotvault.ErrAccessViolation) {
				fmt.Fprintf(w, "%d\tno access\t\t\t\n", slot)
				continue
			}
			return err
		}
		if empty {
			fmt.Fprintf(w, "%d\tempty\t\t\t\n", slot)
			continue
		}
		props, err := engine.GetContentProps(actor, slot)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\tpopulated\t%s\t%s\t%d\n", slot, props.ObjectType, props.Algorithm, props.Size)
	}
	return w.Flush()
}

func runSlotsShow(cmd *cobra.Command, args []string) error {
	slot, err := parseSlotArg(args[0])
	if err != nil {
		return err
	}
	actor := slotvault.ActorUid(actorID)

	proto, err := engine.GetPrototypeProps(actor, slot)
	if err != nil {
		return err
	}
	owner, err := engine.GetOwner(actor, slot)
	if err != nil {
		return err
	}
	users, err := engine.GetUsers(actor, slot)
	if err != nil {
		return err
	}

	fmt.Printf("Slot %d\n", slot)
	fmt.Printf("  Owner:          %s\n", owner)
	fmt.Printf("  Users:          %d\n", len(users))
	fmt.Printf("  Allowed type:   %s\n", proto.AllowedObjectType)
	fmt.Printf("  Allowed alg:    %s\n", proto.AllowedAlgorithm)
	fmt.Printf("  Capacity:       %d bytes\n", proto.Capacity)
	fmt.Printf("  Version policy: %s\n", proto.VersionControl)

	props, err := engine.GetContentProps(actor, slot)
	if err != nil {
		if errors.Is(err, slotvault.ErrEmptyContainer) {
			fmt.Println("  Content:        empty")
			return nil
		}
		return err
	}
	fmt.Println("  Content:")
	fmt.Printf("    Type:       %s\n", props.ObjectType)
	fmt.Printf("    Algorithm:  %s\n", props.Algorithm)
	fmt.Printf("    Object UID: %s\n", props.ObjectUid)
	fmt.Printf("    Size:       %d bytes\n", props.Size)
	fmt.Printf("    Exportable: %t\n", props.Exportable)
	if props.DependencyUid != "" {
		fmt.Printf("    Depends on: %s\n", props.DependencyUid)
	}
	return nil
}

func runSlotsSave(cmd *cobra.Command, args []string) error {
	slot, err := parseSlotArg(args[0])
	if err != nil {
		return err
	}
	payload, err := os.ReadFile(saveFile)
	if err != nil {
		return fmt.Errorf("failed to read payload file: %w", err)
	}
	source := slotvault.NewSourceObject(slotvault.ContentProps{
		ObjectType: slotvault.ObjectType(saveType),
		Algorithm:  slotvault.AlgorithmId(saveAlgorithm),
		Exportable: saveExportable,
	}, payload)

	if err = engine.SaveCopy(slotvault.ActorUid(actorID), slot, source); err != nil {
		return err
	}
	fmt.Printf("Saved %d bytes into slot %d\n", len(payload), slot)
	return nil
}

func runSlotsClear(cmd *cobra.Command, args []string) error {
	slot, err := parseSlotArg(args[0])
	if err != nil {
		return err
	}
	if err = engine.Clear(slotvault.ActorUid(actorID), slot); err != nil {
		return err
	}
	fmt.Printf("Cleared slot %d\n", slot)
	return nil
}

func runSlotsExport(cmd *cobra.Command, args []string) error {
	slot, err := parseSlotArg(args[0])
	if err != nil {
		return err
	}
	payload, err := engine.Export(slotvault.ActorUid(actorID), slot)
	if err != nil {
		return err
	}
	if exportOutFile != "" {
		if err = os.WriteFile(exportOutFile, payload, 0600); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
		fmt.Printf("Exported %d bytes from slot %d to %s\n", len(payload), slot, exportOutFile)
		return nil
	}
	_, err = os.Stdout.Write(payload)
	return err
}
