package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/trainset/internal/leakage"
	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/registry"
	"github.com/sells-group/trainset/internal/units"
)

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Inspect the field registry",
}

var fieldsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the fields file and print leakage classes",
	Long:  "Loads the fields file, classifies every field, checks the declared unit conversions, and prints the resulting registry.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fields, err := registry.LoadFieldsFromFile(cfg.Assemble.FieldsFile)
		if err != nil {
			return err
		}
		classes, err := leakage.ClassifyAll(fields)
		if err != nil {
			return err
		}
		if _, err := units.FromRules(fields.Conversions); err != nil {
			return err
		}
		if fields.ByName(cfg.Assemble.PriceField) == nil {
			return model.NewConfigError("price field %q is not registered", cfg.Assemble.PriceField)
		}

		formatFields(os.Stdout, fields, classes)
		fmt.Fprintf(os.Stderr, "%d fields OK (%d safe)\n", len(fields.Names()), len(classes.SafeFields()))
		return nil
	},
}

// formatFields writes one line per registered field to out.
func formatFields(out io.Writer, fields *model.FieldRegistry, classes leakage.Classes) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSOURCE\tUNIT\tTYPE\tFILL\tCLASS\tPROD\tCADENCE\tDERIVED")
	for _, name := range fields.Names() {
		f := fields.ByName(name)
		src := f.Source
		if src == "" {
			src = "-"
		}
		derived := ""
		if f.Derive != nil {
			derived = fmt.Sprintf("%s(%s,%d)", f.Derive.Op, f.Derive.Of, f.Derive.Window)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			f.Name, src, f.Unit, f.Type, f.Fill, classes[name], f.Prod, f.Cadence, derived)
	}
	_ = w.Flush()
}

func init() {
	fieldsCmd.AddCommand(fieldsCheckCmd)
	rootCmd.AddCommand(fieldsCmd)
}
