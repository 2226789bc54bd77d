// phineas-setup renders a runnable PHINEAS configuration file from a
// template, substituting the install path, party ID, organization, and
// a port offset (original_source's psetup.c: xml_set_text against a
// loaded template document, then xml_save to the target path). This
// module's configuration is YAML, not an XML DOM, so rendering uses
// text/template instead of DOM mutation; phconfig.Tree deliberately
// has no way to serialize back to YAML (see pkg/phconfig/load.go), so
// there is nothing to load-mutate-save here - only template + write.
package main

import (
	"fmt"
	"os"
	"text/template"

	"github.com/spf13/cobra"
)

// setupData is the substitution set a template file may reference.
// Field names match the template placeholders, not any phconfig
// struct, since the template is hand-authored per deployment.
type setupData struct {
	InstallDirectory string
	PartyId          string
	Organization     string
	ReceiverPort     int
	ReceiverTLSPort  int
	SenderMetrics    int
	Service          string // "transceiver", "receiver", or "sender"
}

const (
	basePort       = 8080
	baseTLSPort    = 8443
	baseSenderPort = 9092
)

var rootCmd = &cobra.Command{
	Use:   "phineas-setup [config]",
	Short: "Render a runnable PHINEAS configuration from a template",
	Long: `phineas-setup substitutes the install path, party ID, organization,
and a port offset into a template file, producing a configuration file
ready to hand to phineas-receiver or phineas-sender.`,
	Args: cobra.MaximumNArgs(1),
	RunE: run,
}

func init() {
	rootCmd.Flags().StringP("install-path", "i", ".", "install path substituted as InstallDirectory")
	rootCmd.Flags().StringP("party-id", "p", "", "Party ID substituted as PartyId")
	rootCmd.Flags().StringP("organization", "o", "", "organization name substituted as Organization")
	rootCmd.Flags().IntP("port-offset", "P", 0, "offset added to the default receiver/sender ports")
	rootCmd.Flags().StringP("template", "t", "templates/phineas.yml.tmpl", "template file name")
	rootCmd.Flags().BoolP("receiver-only", "r", false, "configure as receiver only")
	rootCmd.Flags().BoolP("sender-only", "s", false, "configure as sender only")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	installPath, _ := cmd.Flags().GetString("install-path")
	partyID, _ := cmd.Flags().GetString("party-id")
	org, _ := cmd.Flags().GetString("organization")
	portOffset, _ := cmd.Flags().GetInt("port-offset")
	templatePath, _ := cmd.Flags().GetString("template")
	receiverOnly, _ := cmd.Flags().GetBool("receiver-only")
	senderOnly, _ := cmd.Flags().GetBool("sender-only")

	config := "bin/phineas.yml"
	if len(args) == 1 {
		config = args[0]
	}

	service := "transceiver"
	switch {
	case receiverOnly:
		service = "receiver"
	case senderOnly:
		service = "sender"
	}

	data := setupData{
		InstallDirectory: installPath,
		PartyId:          partyID,
		Organization:     org,
		ReceiverPort:     basePort + portOffset,
		ReceiverTLSPort:  baseTLSPort + portOffset,
		SenderMetrics:    baseSenderPort + portOffset,
		Service:          service,
	}

	tmpl, err := template.ParseFiles(templatePath)
	if err != nil {
		return fmt.Errorf("phineas-setup: load template %s: %w", templatePath, err)
	}

	out, err := os.Create(config)
	if err != nil {
		return fmt.Errorf("phineas-setup: create %s: %w", config, err)
	}
	defer out.Close()

	if err := tmpl.Execute(out, data); err != nil {
		return fmt.Errorf("phineas-setup: render %s: %w", config, err)
	}

	fmt.Printf("wrote %s (service=%s, party=%s, org=%s)\n", config, service, partyID, org)
	return nil
}
