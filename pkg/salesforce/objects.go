package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/xhad/dealctx/internal/types"
	"github.com/xhad/dealctx/pkg/processor"
)

// Object describes a CRM object type that is indexed.
type Object struct {
	Name       string
	Fields     []string
	TitleField string
	// Lines renders the record body as label/field pairs in order.
	Lines [][2]string
}

// Objects are indexed in this order.
var Objects = []Object{
	{
		Name: "Account",
		Fields: []string{"Id", "Name", "Type", "Industry", "Description", "Website", "Phone",
			"AnnualRevenue", "NumberOfEmployees", "LastModifiedDate"},
		TitleField: "Name",
		Lines: [][2]string{
			{"Account", "Name"}, {"Type", "Type"}, {"Industry", "Industry"},
			{"Description", "Description"}, {"Website", "Website"}, {"Phone", "Phone"},
			{"Annual Revenue", "AnnualRevenue"}, {"Employees", "NumberOfEmployees"},
		},
	},
	{
		Name: "Opportunity",
		Fields: []string{"Id", "Name", "StageName", "Amount", "CloseDate", "Probability", "Type",
			"LeadSource", "Description", "Account.Name", "Owner.Name", "LastModifiedDate"},
		TitleField: "Name",
		Lines: [][2]string{
			{"Opportunity", "Name"}, {"Account", "Account.Name"}, {"Stage", "StageName"},
			{"Amount", "Amount"}, {"Close Date", "CloseDate"}, {"Probability", "Probability"},
			{"Description", "Description"}, {"Owner", "Owner.Name"},
		},
	},
	{
		Name: "Contact",
		Fields: []string{"Id", "Name", "FirstName", "LastName", "Email", "Phone", "Title",
			"Department", "Account.Name", "LastModifiedDate"},
		TitleField: "Name",
		Lines: [][2]string{
			{"Contact", "Name"}, {"Email", "Email"}, {"Phone", "Phone"}, {"Title", "Title"},
			{"Account", "Account.Name"}, {"Department", "Department"},
		},
	},
	{
		Name: "Case",
		Fields: []string{"Id", "CaseNumber", "Subject", "Status", "Priority", "Type",
			"Description", "Account.Name", "Contact.Name", "Owner.Name", "LastModifiedDate"},
		TitleField: "Subject",
		Lines: [][2]string{
			{"Case", "CaseNumber"}, {"Subject", "Subject"}, {"Status", "Status"},
			{"Priority", "Priority"}, {"Description", "Description"}, {"Account", "Account.Name"},
			{"Contact", "Contact.Name"},
		},
	},
}

// Query returns the query pulling the most recently modified records.
func (o Object) Query(limit int) types.Query {
	return types.Query{
		Object:     o.Name,
		Fields:     o.Fields,
		Conditions: []types.Condition{{Field: "IsDeleted", Op: "=", Value: false}},
		OrderBy:    "LastModifiedDate DESC",
		Limit:      limit,
	}
}

// Formatted is a record rendered for indexing.
type Formatted struct {
	RecordID     string
	Title        string
	Content      string
	AccountName  string
	LastModified string
}

// Format renders a record as readable text, one "Label: value" line per
// non-empty field. Rich-text fields are stripped of HTML. Content is empty
// when no field had a value.
func (o Object) Format(p *processor.Processor, r types.Record) Formatted {
	var lines []string
	for _, l := range o.Lines {
		v := p.StripHTML(r.String(l[1]))
		if v == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", l[0], v))
	}

	account := r.String("Account.Name")
	if o.Name == "Account" {
		account = r.String("Name")
	}
	return Formatted{
		RecordID:     r.String("Id"),
		Title:        r.String(o.TitleField),
		Content:      strings.Join(lines, "\n"),
		AccountName:  account,
		LastModified: r.String("LastModifiedDate"),
	}
}

// ContactEmails returns the email addresses of a company's contacts. It
// first looks for an account with exactly that name, then falls back to a
// partial account-name match.
func ContactEmails(ctx context.Context, crm types.CRM, company string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}

	accounts, err := crm.QueryRecords(ctx, types.Query{
		Object:     "Account",
		Fields:     []string{"Id", "Name"},
		Conditions: []types.Condition{{Field: "Name", Op: "=", Value: company}},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}

	cond := types.Condition{Field: "Account.Name", Op: "LIKE", Value: "%" + EscapeLike(company) + "%"}
	if len(accounts) > 0 {
		cond = types.Condition{Field: "AccountId", Op: "=", Value: accounts[0].String("Id")}
	}

	contacts, err := crm.QueryRecords(ctx, types.Query{
		Object: "Contact",
		Fields: []string{"Id", "Name", "Email"},
		Conditions: []types.Condition{
			cond,
			{Field: "Email", Op: "!=", Value: nil},
		},
		OrderBy: "LastModifiedDate DESC",
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var emails []string
	for _, c := range contacts {
		e := strings.ToLower(strings.TrimSpace(c.String("Email")))
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		emails = append(emails, e)
	}
	return emails, nil
}
