package sms

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{[^}]+\}\}`)

// TemplateVariables are the substitutions available to message templates.
// Empty values are treated as absent.
type TemplateVariables struct {
	CustomerName    string
	OrderID         string
	BranchName      string
	AppointmentDate string
	DoctorName      string
	ProductName     string
	OptOutKeyword   string
}

func (v TemplateVariables) toMap() map[string]string {
	return map[string]string{
		"customer_name":    v.CustomerName,
		"order_id":         v.OrderID,
		"branch_name":      v.BranchName,
		"appointment_date": v.AppointmentDate,
		"doctor_name":      v.DoctorName,
		"product_name":     v.ProductName,
		"opt_out_keyword":  v.OptOutKeyword,
	}
}

// RenderTemplate substitutes {{name}} placeholders with their values,
// strips any placeholder left unresolved, and trims the result. Missing or
// empty variables therefore disappear from the message instead of leaking
// template syntax to the customer.
func RenderTemplate(template string, vars TemplateVariables) string {
	rendered := template
	for key, value := range vars.toMap() {
		if value != "" {
			rendered = strings.ReplaceAll(rendered, "{{"+key+"}}", value)
		}
	}
	rendered = placeholderRe.ReplaceAllString(rendered, "")
	return strings.TrimSpace(rendered)
}
