// Package version хранит данные сборки, проставляемые через -ldflags:
//
//	-X github.com/vladislavdragonenkov/keyshop/internal/version.version=v1.2.0
package version

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

const serviceName = "keyshop"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

// Version возвращает версию сборки.
func Version() string { return version }

func String() string {
	return fmt.Sprintf("%s version=%s commit=%s date=%s", serviceName, version, commit, date)
}

// UserAgent: значение заголовка User-Agent для исходящих запросов к шлюзу и поставщику.
func UserAgent() string {
	return serviceName + "/" + version
}

// Fields возвращает поля сборки для стартового лога.
func Fields() log.Fields {
	return log.Fields{"service": serviceName, "version": version, "commit": commit, "build_date": date}
}
