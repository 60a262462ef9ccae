package task

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io/fs"
	"net"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Result describes one task execution. It is never shared between goroutines.
type Result struct {
	TaskName  string
	Succeeded bool
	Elapsed   time.Duration
	Category  Category
	Message   string
}

// Runner executes actions and converts every failure into a Result
type Runner struct {
	Logger logrus.FieldLogger
}

var defaultRunner = &Runner{}

// Run executes action with the standard logger
func Run(name string, action func() error) Result {
	return defaultRunner.Run(name, action)
}

// Run invokes action once, timing it and classifying any error or panic.
// Failures are logged and returned, never propagated.
func (r *Runner) Run(name string, action func() error) Result {
	log := r.logger().WithField("task", name)
	log.Infof("Starting the task: %s", name)

	start := time.Now()
	stack, err := invoke(action)
	res := Result{TaskName: name, Elapsed: time.Since(start)}

	log = log.WithField("elapsed", res.Elapsed)
	if err == nil {
		res.Succeeded = true
		log.Infof("Task %s completed in %v", name, res.Elapsed)
		return res
	}

	res.Category = Classify(err)
	res.Message = describe(res.Category, err)

	log = log.WithField("category", string(res.Category))
	log.Errorf("Could not complete %s: %s: %s", name, res.Category.Label(), res.Message)

	var perr *ProtocolError
	if errors.As(err, &perr) && perr.Code == ServerBusyCode {
		log.Warn("The directory server is under heavy load. Try again in a few moments or check the server if the problem persists.")
	}
	if stack != nil {
		log.Debugf("Stack trace:\n%s", stack)
	}
	log.Debugf("The task %s took %v", name, res.Elapsed)

	return res
}

func (r *Runner) logger() logrus.FieldLogger {
	if r == nil || r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}

func invoke(action func() error) (stack []byte, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
			stack = debug.Stack()
		}
	}()
	return nil, action()
}

// Classify maps an error onto the closed set of failure categories
func Classify(err error) Category {
	var (
		cfgErr      *ConfigError
		accessErr   *AccessDeniedError
		protoErr    *ProtocolError
		cryptoErr   *CryptoError
		netErr      *NetworkError
		unknownAuth x509.UnknownAuthorityError
		certInvalid x509.CertificateInvalidError
		hostErr     x509.HostnameError
		verifyErr   *tls.CertificateVerificationError
		transport   net.Error
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr), errors.Is(err, ErrLicense):
		return CategoryConfiguration
	case errors.As(err, &accessErr):
		return CategoryAccessDenied
	case errors.As(err, &protoErr):
		return CategoryProtocol
	case errors.As(err, &cryptoErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &certInvalid),
		errors.As(err, &hostErr),
		errors.As(err, &verifyErr):
		return CategoryCrypto
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CategoryTimeout
	case errors.As(err, &netErr),
		errors.As(err, &transport),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH):
		return CategoryNetwork
	case errors.Is(err, fs.ErrPermission):
		return CategoryAccessDenied
	default:
		return CategoryUnexpected
	}
}

func describe(category Category, err error) string {
	msg := strings.TrimSpace(err.Error())
	switch category {
	case CategoryAccessDenied:
		return "Access denied: " + msg
	case CategoryCrypto:
		if strings.Contains(msg, "Invalid algorithm specified.") {
			return "The certificate is missing required security providers. Please verify the certificate configuration."
		}
	}
	return msg
}
