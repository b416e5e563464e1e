package catalog

import "github.com/platinummonkey/auditledger/pkg/audit"

// Module keys used by the built-in actions
const (
	ModuleUser       = "user"
	ModuleRole       = "role"
	ModuleMenu       = "menu"
	ModuleDatasource = "datasource"
	ModuleCompliance = "compliance"
	ModuleDictionary = "dictionary"
	ModuleSession    = "session"
	ModuleAudit      = "audit"
	ModuleApproval   = "approval"
)

var moduleNames = map[string]string{
	ModuleUser:       "User Management",
	ModuleRole:       "Role Management",
	ModuleMenu:       "Menu Management",
	ModuleDatasource: "Datasource Management",
	ModuleCompliance: "Compliance",
	ModuleDictionary: "Data Dictionary",
	ModuleSession:    "Session",
	ModuleAudit:      "Audit Log",
	ModuleApproval:   "Change Approval",
}

func action(code, module, opCode, opName string, kind audit.OperationKind) Descriptor {
	return Descriptor{
		Code:          code,
		ModuleKey:     module,
		ModuleName:    moduleNames[module],
		OperationCode: opCode,
		OperationName: opName,
		OperationKind: kind,
	}
}

func emptyOK(d Descriptor) Descriptor {
	d.AllowEmptyTargets = true
	return d
}

// Builtin returns the fixed action table. A fresh slice is returned on every
// call.
func Builtin() []Descriptor {
	return []Descriptor{
		// users
		action("user.list", ModuleUser, "USER_LIST", "List users", audit.KindQuery),
		action("user.view", ModuleUser, "USER_VIEW", "View user", audit.KindQuery),
		action("user.create", ModuleUser, "USER_CREATE", "Create user", audit.KindCreate),
		action("user.update", ModuleUser, "USER_UPDATE", "Update user", audit.KindUpdate),
		action("user.delete", ModuleUser, "USER_DELETE", "Delete user", audit.KindDelete),
		action("user.enable", ModuleUser, "USER_ENABLE", "Enable user", audit.KindEnable),
		action("user.disable", ModuleUser, "USER_DISABLE", "Disable user", audit.KindDisable),
		action("user.reset_password", ModuleUser, "USER_RESET_PASSWORD", "Reset password", audit.KindUpdate),
		action("user.grant_role", ModuleUser, "USER_GRANT_ROLE", "Assign role", audit.KindGrant),
		action("user.revoke_role", ModuleUser, "USER_REVOKE_ROLE", "Remove role", audit.KindRevoke),
		emptyOK(action("user.export", ModuleUser, "USER_EXPORT", "Export users", audit.KindExport)),
		emptyOK(action("user.import", ModuleUser, "USER_IMPORT", "Import users", audit.KindImport)),

		// roles
		action("role.list", ModuleRole, "ROLE_LIST", "List roles", audit.KindQuery),
		action("role.create", ModuleRole, "ROLE_CREATE", "Create role", audit.KindCreate),
		action("role.update", ModuleRole, "ROLE_UPDATE", "Update role", audit.KindUpdate),
		action("role.delete", ModuleRole, "ROLE_DELETE", "Delete role", audit.KindDelete),
		action("role.grant_permission", ModuleRole, "ROLE_GRANT_PERMISSION", "Grant permission", audit.KindGrant),
		action("role.revoke_permission", ModuleRole, "ROLE_REVOKE_PERMISSION", "Revoke permission", audit.KindRevoke),

		// menus
		action("menu.list", ModuleMenu, "MENU_LIST", "List menus", audit.KindQuery),
		action("menu.create", ModuleMenu, "MENU_CREATE", "Create menu", audit.KindCreate),
		action("menu.update", ModuleMenu, "MENU_UPDATE", "Update menu", audit.KindUpdate),
		action("menu.delete", ModuleMenu, "MENU_DELETE", "Delete menu", audit.KindDelete),
		emptyOK(action("menu.refresh", ModuleMenu, "MENU_REFRESH", "Refresh menu cache", audit.KindRefresh)),

		// datasources
		action("datasource.list", ModuleDatasource, "DS_LIST", "List datasources", audit.KindQuery),
		action("datasource.create", ModuleDatasource, "DS_CREATE", "Register datasource", audit.KindCreate),
		action("datasource.update", ModuleDatasource, "DS_UPDATE", "Update datasource", audit.KindUpdate),
		action("datasource.delete", ModuleDatasource, "DS_DELETE", "Remove datasource", audit.KindDelete),
		action("datasource.test", ModuleDatasource, "DS_TEST", "Test connection", audit.KindExecute),
		action("datasource.enable", ModuleDatasource, "DS_ENABLE", "Enable datasource", audit.KindEnable),
		action("datasource.disable", ModuleDatasource, "DS_DISABLE", "Disable datasource", audit.KindDisable),

		// compliance
		action("compliance.policy_list", ModuleCompliance, "POLICY_LIST", "List policies", audit.KindQuery),
		action("compliance.policy_create", ModuleCompliance, "POLICY_CREATE", "Create policy", audit.KindCreate),
		action("compliance.policy_update", ModuleCompliance, "POLICY_UPDATE", "Update policy", audit.KindUpdate),
		action("compliance.policy_delete", ModuleCompliance, "POLICY_DELETE", "Delete policy", audit.KindDelete),
		action("compliance.classify", ModuleCompliance, "CLASSIFY", "Classify asset", audit.KindUpdate),
		emptyOK(action("compliance.scan", ModuleCompliance, "SCAN", "Run compliance scan", audit.KindExecute)),
		emptyOK(action("compliance.report_export", ModuleCompliance, "REPORT_EXPORT", "Export compliance report", audit.KindExport)),

		// dictionaries
		action("dictionary.list", ModuleDictionary, "DICT_LIST", "List dictionaries", audit.KindQuery),
		action("dictionary.create", ModuleDictionary, "DICT_CREATE", "Create dictionary entry", audit.KindCreate),
		action("dictionary.update", ModuleDictionary, "DICT_UPDATE", "Update dictionary entry", audit.KindUpdate),
		action("dictionary.delete", ModuleDictionary, "DICT_DELETE", "Delete dictionary entry", audit.KindDelete),
		emptyOK(action("dictionary.refresh", ModuleDictionary, "DICT_REFRESH", "Reload dictionaries", audit.KindRefresh)),

		// approvals
		action("approval.submit", ModuleApproval, "CHANGE_SUBMIT", "Submit change request", audit.KindSubmit),
		action("approval.approve", ModuleApproval, "CHANGE_APPROVE", "Approve change request", audit.KindApprove),
		action("approval.reject", ModuleApproval, "CHANGE_REJECT", "Reject change request", audit.KindReject),

		// sessions
		emptyOK(action("session.login", ModuleSession, "LOGIN", "Sign in", audit.KindLogin)),
		emptyOK(action("session.logout", ModuleSession, "LOGOUT", "Sign out", audit.KindLogout)),
		emptyOK(action("session.refresh", ModuleSession, "TOKEN_REFRESH", "Refresh token", audit.KindRefresh)),

		// the audit log itself
		action("audit.list", ModuleAudit, "AUDIT_LIST", "Search audit log", audit.KindQuery),
		emptyOK(action("audit.export", ModuleAudit, "AUDIT_EXPORT", "Export audit log", audit.KindExport)),
		emptyOK(action("audit.verify", ModuleAudit, "AUDIT_VERIFY", "Verify audit chain", audit.KindExecute)),
		action("audit.purge", ModuleAudit, "AUDIT_PURGE", "Purge audit log", audit.KindClean),
	}
}

// Default is the catalog built from the built-in table
var Default = MustNew(Builtin()...)
