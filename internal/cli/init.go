package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/adreel-io/adreel/internal/config"
	"github.com/adreel-io/adreel/internal/eval"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a new ad project",
	Long:  `Creates a new adreel project with a project.pkl module and default configuration.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	stateDir := filepath.Join(dir, config.DefaultStateDir)
	if err := os.MkdirAll(filepath.Join(stateDir, "runs"), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", stateDir, err)
	}

	projectPath := filepath.Join(dir, eval.DefaultProjectFile)
	if _, err := os.Stat(projectPath); os.IsNotExist(err) {
		if err := eval.WriteTemplate(projectPath); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", projectPath)
	}

	configFile := filepath.Join(dir, config.DefaultConfigFile)
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := config.Default().Write(configFile); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", configFile)
	}

	fmt.Println("\nadreel initialized successfully!")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit project.pkl to describe your product")
	fmt.Println("  2. Export GEMINI_API_KEY and OPENAI_API_KEY")
	fmt.Println("  3. Run 'adreel generate --dry-run' to check the pipeline offline")
	fmt.Println("  4. Run 'adreel generate' to render the ad")

	return nil
}
