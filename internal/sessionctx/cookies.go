package sessionctx

import (
	"github.com/go-rod/rod/lib/proto"

	"github.com/steel-dev/steel-browser-go/internal/types"
)

// sameSiteToProto maps the runtime's SameSite values onto CDP's.
func sameSiteToProto(s types.SameSite) proto.NetworkCookieSameSite {
	switch s {
	case types.SameSiteStrict:
		return proto.NetworkCookieSameSiteStrict
	case types.SameSiteLax:
		return proto.NetworkCookieSameSiteLax
	case types.SameSiteNone:
		return proto.NetworkCookieSameSiteNone
	default:
		return ""
	}
}

func sameSiteFromProto(s proto.NetworkCookieSameSite) types.SameSite {
	switch s {
	case proto.NetworkCookieSameSiteStrict:
		return types.SameSiteStrict
	case proto.NetworkCookieSameSiteLax:
		return types.SameSiteLax
	case proto.NetworkCookieSameSiteNone:
		return types.SameSiteNone
	default:
		return ""
	}
}

// cookieToParam converts an abstract cookie to the CDP set-cookie parameter.
// Session cookies (expires==0) omit the expiry so the browser scopes them to
// its own lifetime.
func cookieToParam(c types.Cookie) *proto.NetworkCookieParam {
	param := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: sameSiteToProto(c.SameSite),
	}
	if c.Expires > 0 {
		param.Expires = proto.TimeSinceEpoch(c.Expires)
	}
	if c.SourceScheme != "" {
		param.SourceScheme = proto.NetworkCookieSourceScheme(c.SourceScheme)
	}
	if c.PartitionKey != "" {
		param.PartitionKey = &proto.NetworkCookiePartitionKey{TopLevelSite: c.PartitionKey}
	}
	return param
}

// cookieFromProto converts a CDP cookie to the abstract representation.
// CDP reports session cookies with a negative expiry; that is normalised to
// the runtime's 0 convention.
func cookieFromProto(c *proto.NetworkCookie) types.Cookie {
	out := types.Cookie{
		Name:         c.Name,
		Value:        c.Value,
		Domain:       c.Domain,
		Path:         c.Path,
		Secure:       c.Secure,
		HTTPOnly:     c.HTTPOnly,
		SameSite:     sameSiteFromProto(c.SameSite),
		SourceScheme: string(c.SourceScheme),
	}
	if !c.Session && float64(c.Expires) > 0 {
		out.Expires = float64(c.Expires)
	}
	if c.PartitionKey != nil {
		out.PartitionKey = c.PartitionKey.TopLevelSite
	}
	return out
}

// cookiesToParams converts a batch, dropping nameless entries.
func cookiesToParams(cookies []types.Cookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		params = append(params, cookieToParam(c))
	}
	return params
}

// cookiesFromProto converts a batch from CDP form.
func cookiesFromProto(cookies []*proto.NetworkCookie) []types.Cookie {
	out := make([]types.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, cookieFromProto(c))
	}
	return out
}
