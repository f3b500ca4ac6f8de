package log

import (
	"net/url"
	"os"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/patrickmn/go-cache"
)

var loggerCache *cache.Cache
var defaultLoggerCacheExpiry = 6 * time.Hour

// keyvals under these keys carry credentials and are never printed verbatim
var secretKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"authorization": true,
	"api_key":       true,
}

func init() {
	loggerCache = cache.New(defaultLoggerCacheExpiry, 10*time.Minute)
}

// Permanently add context to the logger. Any future logging for this Job ID will include this context
func AddContext(jobID string, keyvals ...interface{}) {
	logger := kitlog.With(getLogger(jobID), redactKeyvals(keyvals...)...)

	err := loggerCache.Replace(jobID, logger, defaultLoggerCacheExpiry)
	if err != nil {
		_ = logger.Log("msg", "error replacing logger in cache: "+err.Error())
	}
}

func Log(jobID string, message string, keyvals ...interface{}) {
	_ = kitlog.With(getLogger(jobID), "msg", message).Log(redactKeyvals(keyvals...)...)
}

// Log in situations where we don't have access to the Job ID.
// Should be used sparingly and with as much context inserted into the message as possible
func LogNoJobID(message string, keyvals ...interface{}) {
	_ = kitlog.With(newLogger(), "msg", message).Log(redactKeyvals(keyvals...)...)
}

func LogError(jobID string, message string, err error, keyvals ...interface{}) {
	msgLogger := kitlog.With(getLogger(jobID), "msg", message)
	errLogger := kitlog.With(msgLogger, "err", RedactURL(err.Error()))
	_ = errLogger.Log(redactKeyvals(keyvals...)...)
}

func getLogger(jobID string) kitlog.Logger {
	logger, found := loggerCache.Get(jobID)
	if found {
		return logger.(kitlog.Logger)
	}

	l := kitlog.With(newLogger(), "job_id", jobID)
	err := loggerCache.Add(jobID, l, defaultLoggerCacheExpiry)
	if err != nil {
		_ = l.Log("msg", "error adding logger to cache", "job_id", jobID, "err", err.Error())
	}
	return l
}

func newLogger() kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	return kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC)
}

func redactKeyvals(keyvals ...interface{}) []interface{} {
	var res []interface{}
	for i := range keyvals {
		if i%2 == 1 {
			k, v := keyvals[i-1], keyvals[i]
			res = append(res, k)
			if ks, ok := k.(string); ok && secretKeys[strings.ToLower(ks)] {
				res = append(res, "xxxxx")
				continue
			}
			switch s := v.(type) {
			case string:
				res = append(res, RedactURL(s))
			case url.URL:
				res = append(res, s.Redacted())
			case *url.URL:
				if s != nil {
					res = append(res, s.Redacted())
				}
			default:
				res = append(res, v)
			}
		}
	}
	return res
}

func RedactURL(str string) string {
	strLower := strings.ToLower(str)
	if !strings.HasPrefix(strLower, "http") && !strings.HasPrefix(strLower, "s3") {
		return redactBearer(str)
	}

	u, err := url.Parse(str)
	if err != nil {
		return "REDACTED"
	}
	return u.Redacted()
}

// redactBearer blanks the credential part of "Bearer <token>" strings that
// leak into error messages from upstream HTTP clients.
func redactBearer(str string) string {
	idx := strings.Index(str, "Bearer ")
	if idx == -1 {
		return str
	}
	rest := str[idx+len("Bearer "):]
	end := strings.IndexAny(rest, " \"'")
	if end == -1 {
		return str[:idx] + "Bearer xxxxx"
	}
	return str[:idx] + "Bearer xxxxx" + rest[end:]
}
