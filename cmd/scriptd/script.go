package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/scriptd/internal/controlplane"
	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/params"
	"github.com/fentz26/scriptd/internal/resolver"
	"github.com/fentz26/scriptd/internal/xjson"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Manage the script registry",
}

var scriptRegisterCmd = &cobra.Command{
	Use:   "register [name]",
	Short: "Register or update a script",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptRegister,
}

var scriptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered scripts",
	RunE:  runScriptList,
}

var scriptShowCmd = &cobra.Command{
	Use:   "show [script-id]",
	Short: "Show a script and its parameters",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptShow,
}

var scriptImportCmd = &cobra.Command{
	Use:   "import [catalog-file]",
	Short: "Register every script in a catalog file",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptImport,
}

var scriptActivateCmd = &cobra.Command{
	Use:   "activate [script-id]",
	Short: "Make a script runnable again",
	Args:  cobra.ExactArgs(1),
	RunE:  setScriptActive(true),
}

var scriptDeactivateCmd = &cobra.Command{
	Use:   "deactivate [script-id]",
	Short: "Stop a script from being run",
	Args:  cobra.ExactArgs(1),
	RunE:  setScriptActive(false),
}

var scriptFlags struct {
	path        string
	kind        string
	description string
	schemaFile  string
	all         bool
}

func init() {
	scriptCmd.AddCommand(scriptRegisterCmd, scriptListCmd, scriptShowCmd, scriptImportCmd, scriptActivateCmd, scriptDeactivateCmd)

	f := scriptRegisterCmd.Flags()
	f.StringVar(&scriptFlags.path, "path", "", "Script path (default <scripts-root>/<name><ext>)")
	f.StringVar(&scriptFlags.kind, "kind", "", "Interpreter kind (inferred from the extension when empty)")
	f.StringVar(&scriptFlags.description, "desc", "", "Script description")
	f.StringVar(&scriptFlags.schemaFile, "schema", "", "YAML or JSON file listing the script's parameters")

	scriptListCmd.Flags().BoolVar(&scriptFlags.all, "all", false, "Include inactive scripts")
}

// readSchemaFile loads a parameter list. JSON is valid YAML, so one decoder serves both.
func readSchemaFile(path string) (xjson.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	var schema params.Schema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	return xjson.Marshal(schema)
}

func runScriptRegister(cmd *cobra.Command, args []string) error {
	req := models.ScriptIdentity{
		Name:        args[0],
		Path:        scriptFlags.path,
		Kind:        scriptFlags.kind,
		Description: scriptFlags.description,
	}
	if scriptFlags.schemaFile != "" {
		raw, err := readSchemaFile(scriptFlags.schemaFile)
		if err != nil {
			return err
		}
		req.Parameters = raw
	}

	var sc models.ScriptIdentity
	if err := apiPost("/scripts", req, &sc); err != nil {
		return err
	}
	fmt.Printf("Registered %s (id %d)\n", sc.Name, sc.ID)
	fmt.Printf("Path: %s\n", sc.Path)
	fmt.Printf("Kind: %s\n", sc.Kind)
	return nil
}

func runScriptList(cmd *cobra.Command, args []string) error {
	path := "/scripts"
	if scriptFlags.all {
		path += "?all=true"
	}

	var scripts []models.ScriptIdentity
	if err := apiGet(path, &scripts); err != nil {
		return err
	}

	if len(scripts) == 0 {
		fmt.Println("No scripts registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tACTIVE\tPATH")
	for _, sc := range scripts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", sc.ID, sc.Name, sc.Kind, sc.Active, sc.Path)
	}
	return w.Flush()
}

func runScriptShow(cmd *cobra.Command, args []string) error {
	var d controlplane.ScriptDetail
	if err := apiGet("/scripts/"+args[0], &d); err != nil {
		return err
	}

	fmt.Printf("ID:          %d\n", d.ID)
	fmt.Printf("Name:        %s\n", d.Name)
	fmt.Printf("Path:        %s\n", d.Path)
	fmt.Printf("Kind:        %s\n", d.Kind)
	fmt.Printf("Active:      %t\n", d.Active)
	if d.Description != "" {
		fmt.Printf("Description: %s\n", d.Description)
	}
	fmt.Printf("Updated:     %s\n", d.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	if len(d.Schema) == 0 {
		return nil
	}
	fmt.Println("\nParameters:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tTYPE\tREQUIRED\tDEFAULT\tOPTIONS")
	printFields(w, d.Schema, "  ")
	return w.Flush()
}

func printFields(w *tabwriter.Writer, fields params.Schema, indent string) {
	for _, f := range fields {
		def := ""
		if f.Default != nil {
			def = fmt.Sprint(f.Default)
		}
		fmt.Fprintf(w, "%s%s\t%s\t%t\t%s\t%s\n", indent, f.Name, f.Type, f.Required, def, strings.Join(f.Options, ","))
		if len(f.Fields) > 0 {
			printFields(w, f.Fields, indent+"  ")
		}
	}
}

func runScriptImport(cmd *cobra.Command, args []string) error {
	catalog, err := resolver.LoadCatalog(args[0])
	if err != nil {
		return err
	}

	var errs []error
	imported := 0
	for i, e := range catalog.Scripts {
		if err := importCatalogEntry(e); err != nil {
			errs = append(errs, fmt.Errorf("entry %d (%s): %w", i, e.Name, err))
			continue
		}
		imported++
	}

	fmt.Printf("Imported %d of %d scripts\n", imported, len(catalog.Scripts))
	return errors.Join(errs...)
}

func importCatalogEntry(e resolver.CatalogEntry) error {
	req, err := e.Identity()
	if err != nil {
		return err
	}
	var sc models.ScriptIdentity
	if err := apiPost("/scripts", req, &sc); err != nil {
		return err
	}
	if e.Active != nil && !*e.Active {
		return apiPost("/scripts/"+strconv.FormatInt(sc.ID, 10)+"/deactivate", nil, nil)
	}
	return nil
}

func setScriptActive(active bool) func(*cobra.Command, []string) error {
	action := "deactivate"
	if active {
		action = "activate"
	}
	return func(cmd *cobra.Command, args []string) error {
		var sc models.ScriptIdentity
		if err := apiPost("/scripts/"+args[0]+"/"+action, nil, &sc); err != nil {
			return err
		}
		fmt.Printf("Script %s (id %d) active: %t\n", sc.Name, sc.ID, sc.Active)
		return nil
	}
}
