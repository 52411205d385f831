package sms

import "testing"

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     TemplateVariables
		want     string
	}{
		{
			name:     "all variables present",
			template: "Hi {{customer_name}}, your order {{order_id}} is ready at {{branch_name}}.",
			vars:     TemplateVariables{CustomerName: "Grace", OrderID: "ORD-42", BranchName: "Westlands"},
			want:     "Hi Grace, your order ORD-42 is ready at Westlands.",
		},
		{
			name:     "missing variable stripped",
			template: "Hi {{customer_name}}, see you on {{appointment_date}}!",
			vars:     TemplateVariables{CustomerName: "Grace"},
			want:     "Hi Grace, see you on !",
		},
		{
			name:     "unknown placeholder stripped",
			template: "Hello {{no_such_var}} world",
			vars:     TemplateVariables{},
			want:     "Hello  world",
		},
		{
			name:     "leading placeholder trims clean",
			template: "{{customer_name}} thanks for visiting",
			vars:     TemplateVariables{},
			want:     "thanks for visiting",
		},
		{
			name:     "opt out keyword",
			template: "Reply {{opt_out_keyword}} to unsubscribe",
			vars:     TemplateVariables{OptOutKeyword: "STOP"},
			want:     "Reply STOP to unsubscribe",
		},
		{
			name:     "no placeholders",
			template: "Plain message",
			vars:     TemplateVariables{CustomerName: "Grace"},
			want:     "Plain message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderTemplate(tt.template, tt.vars); got != tt.want {
				t.Errorf("RenderTemplate() = %q, want %q", got, tt.want)
			}
		})
	}
}
