package auth

import "testing"

func TestParseAction(t *testing.T) {
	if a, ok := ParseAction("  Force_Delete "); !ok || a != ActionForceDelete {
		t.Fatalf("expected force_delete, got %q ok=%v", a, ok)
	}
	if _, ok := ParseAction("drop"); ok {
		t.Fatalf("expected unknown action to be rejected")
	}
}

func TestAllowsSuperuserBypassesPermissions(t *testing.T) {
	id := Identity{IsSuperuser: true}
	if !id.Allows("invoices", "", ActionDelete, ActionManage) {
		t.Fatalf("superuser must always be allowed")
	}
}

func TestAllowsRequiresSubset(t *testing.T) {
	id := Identity{Permissions: []Permission{
		{Resource: "invoices", Action: ActionRead},
		{Resource: "invoices", Action: ActionUpdate},
	}}

	if !id.Allows("invoices", "", ActionRead) {
		t.Fatalf("read should be allowed")
	}
	if !id.Allows("invoices", "", ActionRead, ActionUpdate) {
		t.Fatalf("read+update should be allowed")
	}
	if id.Allows("invoices", "", ActionDelete) {
		t.Fatalf("delete must be denied")
	}
	if id.Allows("orders", "", ActionRead) {
		t.Fatalf("other resource must be denied")
	}
}

func TestAllowsAppScope(t *testing.T) {
	id := Identity{Permissions: []Permission{
		{Resource: "files", Action: ActionRead, AppName: "archive"},
		{Resource: "files", Action: ActionExport},
	}}

	// Scoped grant matches its own app only.
	if !id.Allows("files", "archive", ActionRead) {
		t.Fatalf("scoped grant should match its app")
	}
	if id.Allows("files", "billing", ActionRead) {
		t.Fatalf("scoped grant must not leak into other apps")
	}
	// Unscoped grant is global.
	if !id.Allows("files", "billing", ActionExport) {
		t.Fatalf("global grant should match any app")
	}
	// No required scope matches everything for the resource.
	if !id.Allows("files", "", ActionRead, ActionExport) {
		t.Fatalf("unscoped requirement should accept scoped grants")
	}
}
