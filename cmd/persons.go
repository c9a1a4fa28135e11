package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-linker/internal/identity"
)

var personsCmd = &cobra.Command{
	Use:   "persons",
	Short: "Inspect and name person clusters",
}

var personsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List person clusters",
	Long: `List every person cluster, or those whose name matches --name. Names are
compared without case and diacritics.

Examples:
  face-linker persons list
  face-linker persons list --name "jiri kara"`,
	Args: cobra.NoArgs,
	RunE: runPersonsList,
}

var personsShowCmd = &cobra.Command{
	Use:   "show <person-id>",
	Short: "Show a person and the videos it appears in",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonsShow,
}

var personsRenameCmd = &cobra.Command{
	Use:   "rename <person-id>",
	Short: "Set the name and notes of a person",
	Long: `Set the human-assigned name of a person. Named persons are recognised in
later analyses at the registered threshold.

Examples:
  face-linker persons rename 1b4e28ba-2fa1-11d2-883f-0016d3cca427 --name "Jan Novák"`,
	Args: cobra.ExactArgs(1),
	RunE: runPersonsRename,
}

func init() {
	rootCmd.AddCommand(personsCmd)
	personsCmd.AddCommand(personsListCmd, personsShowCmd, personsRenameCmd)

	personsListCmd.Flags().String("name", "", "Only persons with this name")
	personsListCmd.Flags().Bool("json", false, "Output as JSON")
	personsShowCmd.Flags().Bool("json", false, "Output as JSON")
	personsRenameCmd.Flags().String("name", "", "Person name")
	personsRenameCmd.Flags().String("notes", "", "Free-form notes")
	_ = personsRenameCmd.MarkFlagRequired("name")
}

func runPersonsList(cmd *cobra.Command, args []string) error {
	name := mustGetString(cmd, "name")
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	b, err := openBackend(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer b.Close()

	var persons []identity.PersonIdentity
	if name != "" {
		persons, err = b.store.Persons().FindPersonsByName(ctx, name)
	} else {
		persons, err = b.store.Persons().ListPersons(ctx)
	}
	if err != nil {
		return fmt.Errorf("listing persons: %w", err)
	}

	if jsonOutput {
		return outputJSON(persons)
	}
	if len(persons) == 0 {
		fmt.Println("No persons found")
		return nil
	}
	fmt.Println(personsTable(persons))
	return nil
}

func runPersonsShow(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	ctx := context.Background()
	b, err := openBackend(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer b.Close()

	detail, err := b.pipeline.Person(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(detail)
	}

	fmt.Printf("%s  %s\n", detail.Label, detail.ID)
	if detail.Name != "" {
		fmt.Printf("Name:     %s\n", detail.Name)
	}
	if detail.Notes != "" {
		fmt.Printf("Notes:    %s\n", detail.Notes)
	}
	fmt.Printf("Seen:     %s to %s\n", formatTime(detail.FirstSeen), formatTime(detail.LastSeen))
	fmt.Printf("Exemplar: %s\n\n", detail.ExemplarID)

	rows := make([][]string, 0, len(detail.Appearances))
	for _, a := range detail.Appearances {
		rows = append(rows, []string{
			a.VideoID, a.IdentityID, itoa(a.AppearanceCount),
			formatTime(a.FirstSeen), formatTime(a.LastSeen), fmt.Sprintf("%.2f", a.BestConfidence),
		})
	}
	fmt.Println(renderTable([]string{"Video", "Identity", "Appearances", "First seen", "Last seen", "Best conf."}, rows, 2, 5))
	return nil
}

func runPersonsRename(cmd *cobra.Command, args []string) error {
	name := mustGetString(cmd, "name")
	notes := mustGetString(cmd, "notes")

	ctx := context.Background()
	b, err := openBackend(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.pipeline.RenamePerson(ctx, args[0], name, notes); err != nil {
		return err
	}
	fmt.Printf("Person %s renamed to %q\n", args[0], strings.TrimSpace(name))
	return nil
}

func personsTable(persons []identity.PersonIdentity) string {
	rows := make([][]string, 0, len(persons))
	for _, p := range persons {
		rows = append(rows, []string{
			p.Label, orDash(p.Name), itoa(p.TotalVideos), itoa(p.TotalAppearances),
			strings.Join(p.VideoIDs, ", "), p.ID,
		})
	}
	return renderTable([]string{"Label", "Name", "Videos", "Appearances", "Seen in", "ID"}, rows, 2, 3)
}
