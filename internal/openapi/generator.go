package openapi

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

const (
	tagAuth     = "auth"
	tagAccount  = "account"
	tagSessions = "sessions"
	tagAdmins   = "admins"
	tagLockouts = "lockouts"
)

// GenerateSpec returns the OpenAPI 3.1 document for the spigot HTTP API.
func GenerateSpec(baseURL, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Spigot API",
			Description: "Session security for the admin panel: login, registration, token rotation, sessions and lockouts.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
		Tags: openapi3.Tags{
			{Name: tagAuth, Description: "Sign-in, registration and token rotation."},
			{Name: tagAccount, Description: "The signed-in administrator."},
			{Name: tagSessions, Description: "Issued token pairs."},
			{Name: tagAdmins, Description: "Administrator accounts."},
			{Name: tagLockouts, Description: "Failed-login counters and locks."},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
			},
		},
		"csrfToken": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:        "apiKey",
				In:          "header",
				Name:        "X-CSRF-Token",
				Description: "Required on POST, PUT, PATCH and DELETE. Returned on every authenticated response.",
			},
		},
	}
	doc.Components = &components
	doc.Security = openapi3.SecurityRequirements{{"bearerAuth": {}}}
	doc.Paths = openapi3.NewPaths()

	addAuthPaths(doc)
	addAccountPaths(doc)
	addSessionPaths(doc)
	addAdminPaths(doc)
	addLockoutPaths(doc)
	return doc
}

func addAuthPaths(doc *openapi3.T) {
	public := openapi3.NewSecurityRequirements()

	login := operation(tagAuth, "login", "Sign in",
		"Checks the identity's and the client address's lockout state, verifies the password and opens a session.",
		body("LoginRequest"), newResponses("200", "Signed in", ref("TokenResponse"), "400", "401", "423", "429"))
	login.Security = public
	doc.AddOperation("/auth/login", http.MethodPost, login)

	register := operation(tagAuth, "register", "Register an administrator",
		"On an empty store the first account becomes super_admin and is signed in. "+
			"Afterwards a bearer token of an admin ranked at or above the requested role is required.",
		body("RegisterRequest"), newResponses("200", "Registered", ref("TokenResponse"), "400", "401", "403", "429"))
	register.Security = &openapi3.SecurityRequirements{{}, {"bearerAuth": {}}}
	doc.AddOperation("/auth/register", http.MethodPost, register)

	refresh := operation(tagAuth, "refresh", "Rotate tokens",
		"Exchanges a refresh token for a new pair. Each refresh token works once; reuse is rejected.",
		body("RefreshRequest"), newResponses("200", "Rotated", ref("TokenResponse"), "400", "401", "429"))
	refresh.Security = public
	doc.AddOperation("/auth/refresh", http.MethodPost, refresh)

	doc.AddOperation("/auth/logout", http.MethodPost, mutating(operation(tagAuth, "logout", "Sign out",
		"Revokes the current session.", nil, newResponses("200", "Signed out", ref("Success"), "401", "403"))))

	doc.AddOperation("/auth/csrf", http.MethodGet, operation(tagAuth, "csrf", "Current CSRF token", "",
		nil, newResponses("200", "CSRF token", object([]string{"csrfToken"}, openapi3.Schemas{
			"csrfToken": prop("string", "", ""),
		}), "401")))
}

func addAccountPaths(doc *openapi3.T) {
	const path = "/api/v1/system/me"
	doc.AddOperation(path, http.MethodGet, operation(tagAccount, "get_me", "Current administrator",
		"Returns the signed-in administrator, its session and its permissions.", nil,
		newResponses("200", "Current administrator", object(nil, openapi3.Schemas{
			"principal":   ref("Admin"),
			"sessionId":   prop("string", "uuid", ""),
			"expiresAt":   prop("string", "date-time", ""),
			"permissions": arrayOf(prop("string", "", "")),
		}), "401")))
	doc.AddOperation(path, http.MethodPut, mutating(operation(tagAccount, "update_me", "Update profile", "",
		body("ProfileRequest"), newResponses("200", "Updated", ref("Admin"), "400", "401", "403"))))
	doc.AddOperation(path+"/password", http.MethodPut, mutating(operation(tagAccount, "change_password", "Change password",
		"Verifies the current password, applies the strength policy and revokes every other session.",
		body("PasswordRequest"), newResponses("200", "Changed", ref("Success"), "400", "401", "403"))))
}

func addSessionPaths(doc *openapi3.T) {
	const path = "/api/v1/system/session"
	list := operation(tagSessions, "list_sessions", "List sessions",
		"Own sessions, or every session with all=true for session managers.", nil,
		newResponses("200", "Sessions", listOf("Session"), "401", "403"))
	list.Parameters = openapi3.Parameters{queryFlag("all", "List every administrator's sessions.")}
	doc.AddOperation(path, http.MethodGet, list)

	revokeAll := operation(tagSessions, "revoke_sessions", "Revoke own sessions",
		"Revokes all own sessions except the current one.", nil,
		newResponses("200", "Revoked", ref("Success"), "401", "403"))
	revokeAll.Parameters = openapi3.Parameters{queryFlag("include_current", "Also revoke the current session.")}
	doc.AddOperation(path, http.MethodDelete, mutating(revokeAll))

	revoke := operation(tagSessions, "revoke_session", "Revoke a session", "", nil,
		newResponses("200", "Revoked", ref("Success"), "401", "403", "404"))
	revoke.Parameters = openapi3.Parameters{pathParam("sessionId", "string")}
	doc.AddOperation(path+"/{sessionId}", http.MethodDelete, mutating(revoke))
}

func addAdminPaths(doc *openapi3.T) {
	const path = "/api/v1/system/admin"
	doc.AddOperation(path, http.MethodGet, operation(tagAdmins, "list_admins", "List administrators", "", nil,
		newResponses("200", "Administrators", listOf("Admin"), "401", "403")))

	idParam := openapi3.Parameters{pathParam("adminId", "integer")}

	get := operation(tagAdmins, "get_admin", "Get an administrator", "", nil,
		newResponses("200", "Administrator", ref("Admin"), "401", "403", "404"))
	get.Parameters = idParam
	doc.AddOperation(path+"/{adminId}", http.MethodGet, get)

	update := operation(tagAdmins, "update_admin", "Change role or active flag",
		"Roles above the caller's own cannot be granted. Deactivation revokes the target's sessions.",
		body("AdminUpdateRequest"), newResponses("200", "Updated", ref("Admin"), "400", "401", "403", "404"))
	update.Parameters = idParam
	doc.AddOperation(path+"/{adminId}", http.MethodPut, mutating(update))

	del := operation(tagAdmins, "delete_admin", "Delete an administrator",
		"Refused for the caller's own account and for the last active super_admin.", nil,
		newResponses("200", "Deleted", ref("Success"), "401", "403", "404"))
	del.Parameters = idParam
	doc.AddOperation(path+"/{adminId}", http.MethodDelete, mutating(del))
}

func addLockoutPaths(doc *openapi3.T) {
	const path = "/api/v1/system/lockout"
	doc.AddOperation(path, http.MethodGet, operation(tagLockouts, "list_lockouts", "List lockouts", "", nil,
		newResponses("200", "Lockouts", listOf("Lockout"), "401", "403")))

	clearOp := operation(tagLockouts, "clear_lockout", "Clear a lockout", "", nil,
		newResponses("200", "Cleared", ref("Success"), "400", "401", "403", "404"))
	kind := pathParam("kind", "string")
	kind.Value.Schema = enum("", "identity", "origin")
	clearOp.Parameters = openapi3.Parameters{kind, pathParam("value", "string")}
	doc.AddOperation(path+"/{kind}/{value}", http.MethodDelete, mutating(clearOp))
}

// ─── Operation Builders ─────────────────────────────────────────────────────

func operation(tag, id, summary, description string, reqBody *openapi3.RequestBodyRef, responses *openapi3.Responses) *openapi3.Operation {
	return &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     summary,
		Description: description,
		OperationID: id,
		RequestBody: reqBody,
		Responses:   responses,
	}
}

// mutating marks op as needing the CSRF header alongside the bearer token.
func mutating(op *openapi3.Operation) *openapi3.Operation {
	op.Security = &openapi3.SecurityRequirements{{"bearerAuth": {}, "csrfToken": {}}}
	return op
}

func body(schema string) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Required: true,
			Content:  openapi3.NewContentWithJSONSchemaRef(ref(schema)),
		},
	}
}

func pathParam(name, typ string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: &openapi3.Parameter{
			Name:     name,
			In:       "path",
			Required: true,
			Schema:   prop(typ, "", ""),
		},
	}
}

func queryFlag(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: &openapi3.Parameter{
			Name:        name,
			In:          "query",
			Description: description,
			Schema:      prop("boolean", "", ""),
		},
	}
}

var errorDescriptions = map[string]string{
	"400": "Bad request",
	"401": "Unauthorized; context.action says whether to log in again or refresh",
	"403": "Forbidden",
	"404": "Not found",
	"423": "Locked after repeated failures",
	"429": "Rate limit exceeded",
}

// newResponses builds a Responses map with a success response and the listed
// error responses. Every operation may also answer 500, and the default
// response carries the error envelope.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, errorCodes ...string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	defaultDesc := "Unexpected error"
	responses.Set("default", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &defaultDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(ref("ErrorResponse")),
		},
	})

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errorRef := ref("ErrorResponse")
	for _, code := range append(errorCodes, "500") {
		desc := errorDescriptions[code]
		if desc == "" {
			desc = "Internal server error"
		}
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}
