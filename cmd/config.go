package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	configForce bool
	configYAML  bool
)

// envKeyReplacer maps nested keys onto env names: engine.kind -> TOWN_ENGINE_KIND.
var envKeyReplacer = strings.NewReplacer(".", "_")

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "town"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage town configuration.

Running bare 'town config' is the same as 'town config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configShowCmd.Flags().BoolVar(&configYAML, "yaml", false, "Print effective configuration as YAML")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# town configuration
# See: town config show (for effective values and sources)

# State/data directory (default: ~/.config/town)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/town/town.db)
# db_path: {{ .DBPath }}

# HTTP port for 'town serve' (default: 3001)
port: {{ .Port }}

# New projects may be created directly under this directory
projects_root: "{{ .ProjectsRoot }}"

# Log format: text or json
log_format: "{{ .LogFormat }}"

# Agent engine
engine:
  # cli runs the claude binary; api calls the Anthropic Messages API directly
  kind: "{{ .EngineKind }}"
  claude_path: "{{ .ClaudePath }}"
  # Model passed to claude --model (empty uses the CLI default)
  model: "{{ .EngineModel }}"

# Anthropic API (engine.kind: api)
anthropic:
  # Prefer the TOWN_ANTHROPIC_API_KEY environment variable
  # api_key: ""
  model: "{{ .AnthropicModel }}"
  max_tokens: {{ .AnthropicMaxTokens }}

# Trashed buildings are purged after 48h; this is how often to check
trash:
  sweep_interval: "{{ .SweepInterval }}"
`

type configTemplateData struct {
	StateDir           string
	DBPath             string
	Port               int
	ProjectsRoot       string
	LogFormat          string
	EngineKind         string
	ClaudePath         string
	EngineModel        string
	AnthropicModel     string
	AnthropicMaxTokens int
	SweepInterval      string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	data := configTemplateData{
		StateDir:           viper.GetString("state_dir"),
		DBPath:             viper.GetString("db_path"),
		Port:               viper.GetInt("port"),
		ProjectsRoot:       viper.GetString("projects_root"),
		LogFormat:          viper.GetString("log_format"),
		EngineKind:         viper.GetString("engine.kind"),
		ClaudePath:         viper.GetString("engine.claude_path"),
		EngineModel:        viper.GetString("engine.model"),
		AnthropicModel:     viper.GetString("anthropic.model"),
		AnthropicMaxTokens: viper.GetInt("anthropic.max_tokens"),
		SweepInterval:      viper.GetString("trash.sweep_interval"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeys lists the keys shown by config show, in display order.
var configKeys = []string{
	"state_dir",
	"db_path",
	"port",
	"projects_root",
	"log_format",
	"engine.kind",
	"engine.claude_path",
	"engine.model",
	"anthropic.api_key",
	"anthropic.model",
	"anthropic.max_tokens",
	"trash.sweep_interval",
}

// envVarFor returns the environment variable that overrides key.
func envVarFor(key string) string {
	return "TOWN_" + strings.ToUpper(envKeyReplacer.Replace(key))
}

// displayValue masks secrets.
func displayValue(key string, val any) any {
	if key == "anthropic.api_key" {
		if s, _ := val.(string); s != "" {
			return "********"
		}
	}
	return val
}

func configShowRun() error {
	if configYAML {
		return configShowYAML()
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := readConfigFileValues(cfgPath)

	for _, key := range configKeys {
		val := displayValue(key, viper.Get(key))
		source := detectSource(key, envVarFor(key), fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", key, val, source)
	}

	return nil
}

// configShowYAML prints the effective configuration as a nested YAML document.
func configShowYAML() error {
	out := map[string]any{}
	for _, key := range configKeys {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = displayValue(key, viper.Get(key))
	}

	enc := yaml.NewEncoder(ui.Out)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'town config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
