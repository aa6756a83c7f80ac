package load

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// ResolveDSN resolves the PostgreSQL connection string from the documented
// environment precedence: AIVEN_PG_URI, then DATABASE_URL, then the discrete
// DB_* variables. Returns a configuration error when neither form resolves.
func ResolveDSN() (string, error) {
	if uri := firstNonEmpty(os.Getenv("AIVEN_PG_URI"), os.Getenv("DATABASE_URL")); uri != "" {
		return NormalizeURI(uri), nil
	}

	user := os.Getenv("DB_USER")
	pass := os.Getenv("DB_PASS")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	name := os.Getenv("DB_NAME")
	if user == "" || pass == "" || host == "" || port == "" || name == "" {
		return "", fmt.Errorf("database configuration missing: set AIVEN_PG_URI, DATABASE_URL or the DB_* variables")
	}

	// url.URL handles userinfo escaping; query escaping would turn spaces
	// into literal plus signs.
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, pass),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   "/" + name,
	}
	return NormalizeURI(u.String()), nil
}

// NormalizeURI rewrites the scheme to the one the connection library
// accepts and forces secure transport when no sslmode is present.
func NormalizeURI(uri string) string {
	if strings.HasPrefix(uri, "postgres://") {
		uri = strings.Replace(uri, "postgres://", "postgresql://", 1)
	}
	if !strings.Contains(uri, "sslmode=") {
		sep := "?"
		if strings.Contains(uri, "?") {
			sep = "&"
		}
		uri += sep + "sslmode=require"
	}
	return uri
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
