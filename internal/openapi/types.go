package openapi

import "github.com/getkin/kin-openapi/openapi3"

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func prop(typ, format, description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{typ},
		Format:      format,
		Description: description,
	}}
}

func object(required []string, props openapi3.Schemas) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Required:   required,
		Properties: props,
	}}
}

func arrayOf(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:  &openapi3.Types{"array"},
		Items: items,
	}}
}

func enum(description string, values ...string) *openapi3.SchemaRef {
	s := &openapi3.Schema{Type: &openapi3.Types{"string"}, Description: description}
	for _, v := range values {
		s.Enum = append(s.Enum, v)
	}
	return &openapi3.SchemaRef{Value: s}
}

func roleSchema() *openapi3.SchemaRef {
	return enum("Privilege level; each role includes the ones before it.",
		"viewer", "editor", "admin", "super_admin")
}

// componentSchemas returns the shared request and response bodies.
func componentSchemas() openapi3.Schemas {
	return openapi3.Schemas{
		"ErrorResponse": object([]string{"error"}, openapi3.Schemas{
			"error": object([]string{"code", "message"}, openapi3.Schemas{
				"code":    prop("integer", "int32", ""),
				"message": prop("string", "", ""),
				"context": &openapi3.SchemaRef{Value: &openapi3.Schema{
					Type: &openapi3.Types{"object"},
					Description: "Extra detail: action (401), lockedUntil and retryAfterMinutes (423), " +
						"unmet (weak password), retryAfter, limit and window (429).",
				}},
			}),
		}),
		"Admin": object([]string{"id", "username", "email", "role", "isActive"}, openapi3.Schemas{
			"id":          prop("integer", "int64", ""),
			"username":    prop("string", "", ""),
			"email":       prop("string", "email", ""),
			"name":        prop("string", "", ""),
			"role":        roleSchema(),
			"isActive":    prop("boolean", "", ""),
			"lastLoginAt": prop("string", "date-time", ""),
			"createdAt":   prop("string", "date-time", ""),
			"updatedAt":   prop("string", "date-time", ""),
		}),
		"Session": object([]string{"id", "ownerId", "expiresAt"}, openapi3.Schemas{
			"id":               prop("string", "uuid", ""),
			"ownerId":          prop("integer", "int64", ""),
			"originAddress":    prop("string", "", ""),
			"userAgent":        prop("string", "", ""),
			"createdAt":        prop("string", "date-time", ""),
			"lastActivityAt":   prop("string", "date-time", ""),
			"expiresAt":        prop("string", "date-time", "End of the access token's life."),
			"refreshExpiresAt": prop("string", "date-time", "End of the refresh token's life."),
			"current":          prop("boolean", "", "True for the session making the request."),
		}),
		"Lockout": object([]string{"kind", "key", "failureCount"}, openapi3.Schemas{
			"kind":         enum("", "identity", "origin"),
			"key":          prop("string", "", ""),
			"failureCount": prop("integer", "int32", ""),
			"lockedUntil":  prop("string", "date-time", ""),
			"createdAt":    prop("string", "date-time", ""),
			"updatedAt":    prop("string", "date-time", ""),
		}),
		"TokenResponse": object([]string{"accessToken", "refreshToken", "tokenType"}, openapi3.Schemas{
			"principal":        ref("Admin"),
			"accessToken":      prop("string", "", "Bearer token for protected endpoints."),
			"refreshToken":     prop("string", "", "Single-use token for /auth/refresh."),
			"accessExpiresAt":  prop("string", "date-time", ""),
			"refreshExpiresAt": prop("string", "date-time", ""),
			"tokenType":        enum("", "bearer"),
			"csrfToken":        prop("string", "", "Send back as X-CSRF-Token on mutating requests."),
		}),
		"LoginRequest": object([]string{"identity", "secret"}, openapi3.Schemas{
			"identity": prop("string", "", "Username or email address."),
			"secret":   prop("string", "password", ""),
		}),
		"RegisterRequest": object([]string{"identity", "email", "secret"}, openapi3.Schemas{
			"identity": prop("string", "", "Username."),
			"email":    prop("string", "email", ""),
			"secret":   prop("string", "password", "At least 12 characters with upper, lower, digit and symbol."),
			"name":     prop("string", "", ""),
			"role":     roleSchema(),
		}),
		"RefreshRequest": object([]string{"refreshToken", "principalId"}, openapi3.Schemas{
			"refreshToken": prop("string", "", ""),
			"principalId":  prop("integer", "int64", ""),
		}),
		"ProfileRequest": object(nil, openapi3.Schemas{
			"name":  prop("string", "", ""),
			"email": prop("string", "email", ""),
		}),
		"PasswordRequest": object([]string{"currentSecret", "newSecret"}, openapi3.Schemas{
			"currentSecret": prop("string", "password", ""),
			"newSecret":     prop("string", "password", ""),
		}),
		"AdminUpdateRequest": object(nil, openapi3.Schemas{
			"role":     roleSchema(),
			"isActive": prop("boolean", "", ""),
		}),
		"Success": object([]string{"success"}, openapi3.Schemas{
			"success": prop("boolean", "", ""),
			"message": prop("string", "", ""),
			"revoked": prop("integer", "int64", ""),
		}),
	}
}

// listOf wraps items in the standard list envelope.
func listOf(items string) *openapi3.SchemaRef {
	return object([]string{"resource"}, openapi3.Schemas{
		"resource": arrayOf(ref(items)),
		"meta": object(nil, openapi3.Schemas{
			"count": prop("integer", "int64", "Number of records returned."),
		}),
	})
}
