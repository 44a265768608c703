package api

import "context"

func withTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

func tenantFrom(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

// StaticTokens builds a TenantResolver from a fixed token→tenant table, the
// deployment shape where an external auth layer provisions API tokens.
func StaticTokens(tokens map[string]string) TenantResolver {
	return func(token string) (string, bool) {
		tenantID, ok := tokens[token]
		return tenantID, ok
	}
}
