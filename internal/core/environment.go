package core

// Environment selects runtime behaviour that differs between deployments,
// such as log format and HTTP server mode. The value comes from APP_ENV.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// environments maps APP_ENV spellings onto the known set.
var environments = map[string]Environment{
	"development": Development,
	"staging":     Staging,
	"testing":     Testing,
	"production":  Production,
}

// ParseEnvironment resolves a raw APP_ENV value. Unknown or empty values
// start the service in development mode rather than refusing to boot.
func ParseEnvironment(v string) Environment {
	if env, ok := environments[v]; ok {
		return env
	}
	return Development
}

func (e Environment) String() string {
	return string(e)
}

// IsProduction gates production-only behaviour (JSON logs, gin release mode).
func (e Environment) IsProduction() bool {
	return e == Production
}
