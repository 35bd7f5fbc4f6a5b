package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/crmsync/internal/config"
	"github.com/tonimelisma/crmsync/internal/crm"
	"github.com/tonimelisma/crmsync/internal/crmfile"
	"github.com/tonimelisma/crmsync/internal/sync"
)

// defaultContactAuthor stamps contacts added by hand. It must differ from
// the integration user, or polling would skip the contact as an echo.
const defaultContactAuthor = "operator"

func newContactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Look up or add contacts",
	}

	cmd.AddCommand(newContactShowCmd())
	cmd.AddCommand(newContactAddCmd())

	return cmd
}

func newContactShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <email>",
		Short: "Show a contact as stored in both CRMs",
		Long: `Look up the contact with the given email in both systems and print its
canonical fields side by side, so divergence between the two is visible.`,
		Args: cobra.ExactArgs(1),
		RunE: runContactShow,
	}
}

// contactView is one system's copy of a contact, or Found=false.
type contactView struct {
	System     string            `json:"system"`
	Found      bool              `json:"found"`
	ID         string            `json:"id,omitempty"`
	ModifiedAt string            `json:"modified_at,omitempty"`
	ModifiedBy string            `json:"modified_by,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func runContactShow(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	email := args[0]

	session, err := NewSession(cmd.Context(), cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}

	views := make([]contactView, 0, 2)

	for _, sys := range []crm.System{crm.SystemA, crm.SystemB} {
		v, err := lookupContact(cmd.Context(), session.Endpoints.For(sys).Port, sys, email)
		if err != nil {
			return fmt.Errorf("system %s: %w", sys, err)
		}

		views = append(views, v)
	}

	if cc.Flags.JSON {
		return writeJSON(os.Stdout, views)
	}

	if !views[0].Found && !views[1].Found {
		return fmt.Errorf("no contact with email %q in either system", email)
	}

	rows := [][]string{
		{"id", views[0].ID, views[1].ID},
		{"modified_at", views[0].ModifiedAt, views[1].ModifiedAt},
		{"modified_by", views[0].ModifiedBy, views[1].ModifiedBy},
	}

	for _, f := range crm.Fields {
		rows = append(rows, []string{f.String(), views[0].Fields[f.String()], views[1].Fields[f.String()]})
	}

	printTable(os.Stdout, []string{"FIELD", "SYSTEM A", "SYSTEM B"}, rows)

	return nil
}

func lookupContact(ctx context.Context, port crm.Port, sys crm.System, email string) (contactView, error) {
	view := contactView{System: sys.String()}

	records, err := port.Query(ctx, crm.Filter{Email: email, Limit: 1})
	if err != nil {
		return view, err
	}

	if len(records) == 0 {
		return view, nil
	}

	c := sync.Decode(sys, &records[0])

	view.Found = true
	view.ID = c.ID
	view.ModifiedAt = formatWatermark(c.ModifiedAt)
	view.ModifiedBy = c.ModifiedBy
	view.Fields = map[string]string{
		crm.FieldEmail.String():          c.Email,
		crm.FieldFirstName.String():      c.FirstName,
		crm.FieldLastName.String():       c.LastName,
		crm.FieldMailingCountry.String(): c.MailingCountry,
	}

	if c.Account != nil {
		view.Fields[crm.FieldAccountID.String()] = c.Account.ID
		view.Fields[crm.FieldAccountName.String()] = c.Account.Name
	}

	return view, nil
}

func newContactAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a contact to a file-backed CRM as a regular user",
		Long: `Insert a contact directly into the document of a file-backed system, stamped
with a non-integration author so the next sync picks it up. Useful for
trying out a deployment before pointing it at real CRMs.`,
		RunE: runContactAdd,
	}

	cmd.Flags().String("system", "a", "system to add the contact to (a or b)")
	cmd.Flags().String("email", "", "email address (required)")
	cmd.Flags().String("first-name", "", "first name")
	cmd.Flags().String("last-name", "", "last name")
	cmd.Flags().String("country", "", "mailing country")
	cmd.Flags().String("account", "", "account name, created if missing")
	cmd.Flags().String("author", defaultContactAuthor, "user recorded as the last modifier")

	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func runContactAdd(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	flags := cmd.Flags()

	sysFlag, _ := flags.GetString("system")

	sys, err := crm.ParseSystem(sysFlag)
	if err != nil {
		return err
	}

	sc := cc.Cfg.System(sys)
	if sc.Backend != config.BackendFile {
		return fmt.Errorf("system %s uses the %s backend: contact add only writes to file backends", sys, sc.Backend)
	}

	author, _ := flags.GetString("author")

	store, err := crmfile.Open(sc.Dir, sys, author, cc.Logger)
	if err != nil {
		return err
	}

	c := crm.Contact{ModifiedBy: author}
	c.Email, _ = flags.GetString("email")
	c.FirstName, _ = flags.GetString("first-name")
	c.LastName, _ = flags.GetString("last-name")
	c.MailingCountry, _ = flags.GetString("country")

	if name, _ := flags.GetString("account"); name != "" {
		id, err := store.FindOrCreateAccount(cmd.Context(), name)
		if err != nil {
			return err
		}

		c.Account = &crm.AccountRef{ID: id}
	}

	rec := sync.Encode(sys, &c)
	rec.ModifiedBy = author

	id, err := store.Create(rec)
	if err != nil {
		return err
	}

	cc.Statusf("Added %s to system %s as %s\n", c.Email, sys, id)

	return nil
}
