package graph

import "strings"

// ExtractInitToken extracts a Bearer token from a connection_init payload.
// Clients conventionally send either {"authorization": "Bearer <token>"} or
// {"authToken": "<token>"} as connection params. Matching is case-insensitive
// on both the key and the "Bearer " prefix.
//
// Returns an empty string if no token is present.
//
// Example:
//
//	OnConnect: func(ctx context.Context, sock *graph.Socket, cc *graph.ConnectionContext) (interface{}, bool, error) {
//	    token := graph.ExtractInitToken(cc.ConnectionParams)
//	    if token == "" {
//	        return nil, false, nil
//	    }
//	    user, err := validateJWT(token)
//	    return map[string]interface{}{"user": user.Name}, err == nil, nil
//	}
func ExtractInitToken(connectionParams interface{}) string {
	params, ok := connectionParams.(map[string]interface{})
	if !ok {
		return ""
	}

	for key, value := range params {
		str, ok := value.(string)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "authorization":
			const bearerPrefix = "Bearer "
			if len(str) > len(bearerPrefix) && strings.EqualFold(str[:len(bearerPrefix)], bearerPrefix) {
				return strings.TrimSpace(str[len(bearerPrefix):])
			}
		case "authtoken", "token":
			return strings.TrimSpace(str)
		}
	}

	return ""
}
