package classify

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"regexp"
	"runtime"
	"strconv"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/nimburion/taskguard/pkg/jobs"
)

// Rule maps an error to a failure type. Rules are evaluated in order and the
// first match wins.
type Rule struct {
	Name  string
	Match func(err error) (FailureType, float64, bool)
}

// TypeRule matches when pred reports true.
func TypeRule(name string, ft FailureType, confidence float64, pred func(error) bool) Rule {
	return Rule{
		Name: name,
		Match: func(err error) (FailureType, float64, bool) {
			if pred(err) {
				return ft, confidence, true
			}
			return "", 0, false
		},
	}
}

// MessageRule matches when the error message matches pattern.
func MessageRule(name string, ft FailureType, confidence float64, pattern string) Rule {
	re := regexp.MustCompile(`(?i)` + pattern)
	return TypeRule(name, ft, confidence, func(err error) bool {
		return re.MatchString(err.Error())
	})
}

func isErr(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func asType[T any](err error) bool {
	var target T
	return errors.As(err, &target)
}

// StructuralRules match on error identity and type.
func StructuralRules() []Rule {
	return []Rule{
		{Name: "explicit", Match: matchExplicit},
		TypeRule("runtime.error", ProgrammingError, 0.95, asType[runtime.Error]),
		TypeRule("context.deadline", TransientNetwork, 0.9, isErr(context.DeadlineExceeded)),
		TypeRule("context.canceled", TransientInterrupted, 0.9, isErr(context.Canceled)),
		{Name: "postgres.sqlstate", Match: matchPostgres},
		{Name: "dynamodb", Match: matchDynamoDB},
		TypeRule("sql.no_rows", PermanentNotFound, 0.9, isErr(sql.ErrNoRows)),
		TypeRule("sql.conn_done", TransientDatabase, 0.9, isErr(sql.ErrConnDone)),
		TypeRule("sql.bad_conn", TransientDatabase, 0.9, isErr(driver.ErrBadConn)),
		TypeRule("redis.pool_timeout", SystemResourceExhaustion, 0.85, isErr(redis.ErrPoolTimeout)),
		TypeRule("redis.pool_exhausted", SystemResourceExhaustion, 0.85, isErr(redis.ErrPoolExhausted)),
		TypeRule("redis.closed", TransientDatabase, 0.8, isErr(redis.ErrClosed)),
		TypeRule("syscall.econnrefused", ExternalDependencyDown, 0.9, isErr(syscall.ECONNREFUSED)),
		TypeRule("syscall.econnreset", TransientNetwork, 0.9, isErr(syscall.ECONNRESET)),
		TypeRule("syscall.epipe", TransientNetwork, 0.85, isErr(syscall.EPIPE)),
		TypeRule("syscall.enospc", SystemResourceExhaustion, 0.95, isErr(syscall.ENOSPC)),
		TypeRule("syscall.enomem", SystemResourceExhaustion, 0.95, isErr(syscall.ENOMEM)),
		TypeRule("syscall.emfile", SystemResourceExhaustion, 0.95, isErr(syscall.EMFILE)),
		{Name: "net.dns", Match: matchDNS},
		TypeRule("net.timeout", TransientNetwork, 0.9, isNetTimeout),
		TypeRule("net.op", TransientNetwork, 0.85, asType[*net.OpError]),
		TypeRule("jobs.retryable", TransientDatabase, 0.8, isErr(jobs.ErrRetryable)),
		{Name: "status_code", Match: matchStatusCode},
		TypeRule("retry_after", TransientRateLimit, 0.85, hasRetryAfter),
		TypeRule("json.syntax", PermanentValidation, 0.9, asType[*json.SyntaxError]),
		TypeRule("json.type", PermanentValidation, 0.9, asType[*json.UnmarshalTypeError]),
		TypeRule("strconv", PermanentValidation, 0.85, asType[*strconv.NumError]),
		TypeRule("base64.corrupt", DataCorruption, 0.9, asType[base64.CorruptInputError]),
		TypeRule("io.unexpected_eof", DataCorruption, 0.8, isErr(io.ErrUnexpectedEOF)),
		TypeRule("fs.not_exist", ConfigError, 0.8, isErr(fs.ErrNotExist)),
		TypeRule("fs.permission", PermanentAuthorization, 0.8, isErr(fs.ErrPermission)),
	}
}

// MessageRules match on the error message when no structural rule applies.
func MessageRules() []Rule {
	return []Rule{
		MessageRule("message.programming", ProgrammingError, 0.9, `nil pointer|index out of range|invalid memory address|not implemented|unexpected type|assertion failed`),
		MessageRule("message.corruption", DataCorruption, 0.9, `checksum mismatch|corrupt|crc mismatch|truncated (record|payload|data)`),
		MessageRule("message.authorization", PermanentAuthorization, 0.9, `unauthori[sz]ed|forbidden|permission denied|access denied|(invalid|expired) token|authentication failed`),
		MessageRule("message.config", ConfigError, 0.9, `missing (config|configuration|environment variable|credentials)|not configured|misconfigur|invalid configuration|unknown (driver|scheme)`),
		MessageRule("message.integrity", PermanentIntegrity, 0.9, `duplicate key|unique constraint|foreign key|violates .*constraint|integrity`),
		MessageRule("message.concurrency", TransientConcurrency, 0.9, `deadlock|serialization failure|could not serialize|lock wait timeout|optimistic lock|version conflict|concurrent (update|modification)`),
		MessageRule("message.rate_limit", TransientRateLimit, 0.9, `rate.?limit|too many requests|throttl|quota exceeded`),
		MessageRule("message.resource", SystemResourceExhaustion, 0.9, `out of memory|no space left|disk full|too many open files|resource exhausted|memory limit`),
		MessageRule("message.database", TransientDatabase, 0.9, `too many connections|connection pool exhausted|database is locked|server closed the connection|terminating connection|database system is (starting up|shutting down)`),
		MessageRule("message.external", ExternalDependencyDown, 0.85, `connection refused|service unavailable|bad gateway|upstream (unavailable|error)|\b50[23]\b`),
		MessageRule("message.network", TransientNetwork, 0.85, `timed? ?out|timeout|connection reset|broken pipe|network is unreachable|no route to host|temporary failure`),
		MessageRule("message.interrupted", TransientInterrupted, 0.85, `interrupted|cancell?ed|shutting down|sigterm`),
		MessageRule("message.not_found", PermanentNotFound, 0.85, `not found|does not exist|no such|no rows`),
		MessageRule("message.validation", PermanentValidation, 0.85, `invalid|validation|malformed|must be|is required|bad request|unprocessable`),
	}
}

func matchExplicit(err error) (FailureType, float64, bool) {
	var typer FailureTyper
	if errors.As(err, &typer) {
		ft := typer.FailureType()
		if _, ok := profiles[ft]; ok {
			return ft, 1.0, true
		}
	}
	return "", 0, false
}

func matchPostgres(err error) (FailureType, float64, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return "", 0, false
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return TransientConcurrency, 0.95, true
	case "55P03":
		return TransientConcurrency, 0.9, true
	case "57014":
		return TransientDatabase, 0.85, true
	case "57P01", "57P02", "57P03", "53300":
		return TransientDatabase, 0.95, true
	case "42P01", "42703":
		return ConfigError, 0.85, true
	case "42501":
		return PermanentAuthorization, 0.9, true
	case "XX001", "XX002":
		return DataCorruption, 0.95, true
	}
	switch pqErr.Code.Class() {
	case "08":
		return TransientDatabase, 0.95, true
	case "53":
		return SystemResourceExhaustion, 0.9, true
	case "23":
		return PermanentIntegrity, 0.95, true
	case "22":
		return PermanentValidation, 0.9, true
	case "42":
		return ProgrammingError, 0.9, true
	case "28", "3D":
		return ConfigError, 0.9, true
	}
	return "", 0, false
}

func matchDynamoDB(err error) (FailureType, float64, bool) {
	switch {
	case asType[*types.ProvisionedThroughputExceededException](err), asType[*types.RequestLimitExceeded](err):
		return TransientRateLimit, 0.95, true
	case asType[*types.TransactionConflictException](err), asType[*types.ConditionalCheckFailedException](err):
		return TransientConcurrency, 0.85, true
	case asType[*types.ResourceNotFoundException](err):
		return ConfigError, 0.85, true
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "", 0, false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException":
		return TransientRateLimit, 0.9, true
	case "AccessDeniedException", "UnrecognizedClientException", "InvalidSignatureException":
		return PermanentAuthorization, 0.9, true
	case "ValidationException", "SerializationException":
		return PermanentValidation, 0.85, true
	case "InternalServerError", "ServiceUnavailable":
		return ExternalDependencyDown, 0.85, true
	}
	return "", 0, false
}

func matchDNS(err error) (FailureType, float64, bool) {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return "", 0, false
	}
	if dnsErr.IsNotFound {
		return ExternalDependencyDown, 0.85, true
	}
	return TransientNetwork, 0.85, true
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func hasRetryAfter(err error) bool {
	var hinted RetryAfterer
	return errors.As(err, &hinted) && hinted.RetryAfter() > 0
}

func matchStatusCode(err error) (FailureType, float64, bool) {
	var coder StatusCoder
	if !errors.As(err, &coder) {
		return "", 0, false
	}
	code := coder.StatusCode()
	switch {
	case code == 429:
		return TransientRateLimit, 0.95, true
	case code == 408 || code == 504:
		return TransientNetwork, 0.9, true
	case code == 502 || code == 503:
		return ExternalDependencyDown, 0.9, true
	case code == 401 || code == 403:
		return PermanentAuthorization, 0.95, true
	case code == 404 || code == 410:
		return PermanentNotFound, 0.95, true
	case code == 409:
		return TransientConcurrency, 0.85, true
	case code == 400 || code == 413 || code == 422:
		return PermanentValidation, 0.95, true
	case code >= 500:
		return ExternalDependencyDown, 0.8, true
	}
	return "", 0, false
}
