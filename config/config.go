package config

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/babelcloud/gbox/packages/camserver/internal/frame"
)

const envPrefix = "CAMSERVER"

var v *viper.Viper

// loadErr is a config file that was found but could not be read.
var loadErr error

func init() {
	reset()
}

func reset() {
	v = viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.keep_alive", "200ms")
	v.SetDefault("server.proxy_protocol", false)
	v.SetDefault("server.open_browser", false)

	v.SetDefault("source.name", "cam0")
	v.SetDefault("source.default", "pattern")
	v.SetDefault("source.connection_strategy", "auto")

	v.SetDefault("video.pixel_format", "mjpeg")
	v.SetDefault("video.width", 640)
	v.SetDefault("video.height", 480)
	v.SetDefault("video.fps", 30)

	v.SetDefault("stream.width", 0)
	v.SetDefault("stream.height", 0)
	v.SetDefault("stream.fps", 0)
	v.SetDefault("stream.compression", -1)
	v.SetDefault("stream.default_compression", frame.DefaultQuality)

	v.SetDefault("record.path", "")

	// Environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("server.port", "CAMSERVER_PORT", "CAMSERVER_SERVER_PORT")
	v.BindEnv("source.default", "CAMSERVER_SOURCE", "CAMSERVER_SOURCE_DEFAULT")

	// Config file
	v.SetConfigName("camserver")
	v.SetConfigType("yaml")
	for _, path := range []string{
		".",
		filepath.Join(xdg.ConfigHome, "camserver"),
		"/etc/camserver",
	} {
		v.AddConfigPath(path)
	}

	loadErr = nil
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// found but unreadable; reported by LoadError
			loadErr = errors.Wrap(err, "failed to read config file")
		}
	}
}

// LoadError is the error of reading the config file found on the search
// path, nil when there was none or it loaded.
func LoadError() error { return loadErr }

// UseConfigFile replaces the search path with an explicit file.
func UseConfigFile(path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	loadErr = nil
	return nil
}

// ConfigFileUsed is the path of the loaded config file, if any.
func ConfigFileUsed() string { return v.ConfigFileUsed() }

// BindFlag makes flag override key when it is set on the command line.
func BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for %s", key)
	}
	return v.BindPFlag(key, flag)
}

// GetPort returns the HTTP listen port
func GetPort() int {
	return v.GetInt("server.port")
}

// GetKeepAlive returns the idle separator interval of HTTP streams
func GetKeepAlive() time.Duration {
	return v.GetDuration("server.keep_alive")
}

// GetProxyProtocol reports whether listeners expect a PROXY protocol header
func GetProxyProtocol() bool {
	return v.GetBool("server.proxy_protocol")
}

// GetOpenBrowser reports whether serve opens the web UI
func GetOpenBrowser() bool {
	return v.GetBool("server.open_browser")
}

// GetSourceName returns the name of the served source
func GetSourceName() string {
	return v.GetString("source.name")
}

// GetDefaultSource returns the source spec: "pattern" or "images:<dir>"
func GetDefaultSource() string {
	return v.GetString("source.default")
}

// GetConnectionStrategy returns the source connection strategy name
func GetConnectionStrategy() string {
	return v.GetString("source.connection_strategy")
}

// GetVideoMode returns the capture mode. An unknown pixel format name
// leaves the format unset.
func GetVideoMode() frame.VideoMode {
	pf, _ := frame.ParsePixelFormat(v.GetString("video.pixel_format"))
	return frame.VideoMode{
		PixelFormat: pf,
		Width:       v.GetInt("video.width"),
		Height:      v.GetInt("video.height"),
		FPS:         v.GetInt("video.fps"),
	}
}

// StreamDefaults are the server-wide stream settings.
type StreamDefaults struct {
	Width              int
	Height             int
	FPS                int
	Compression        int
	DefaultCompression int
}

// GetStreamDefaults returns the server stream defaults
func GetStreamDefaults() StreamDefaults {
	return StreamDefaults{
		Width:              v.GetInt("stream.width"),
		Height:             v.GetInt("stream.height"),
		FPS:                v.GetInt("stream.fps"),
		Compression:        v.GetInt("stream.compression"),
		DefaultCompression: v.GetInt("stream.default_compression"),
	}
}

// GetRecordPath returns the Matroska output path, empty for no recording
func GetRecordPath() string {
	return v.GetString("record.path")
}

// DumpTOML writes every effective setting to w.
func DumpTOML(w io.Writer) error {
	data, err := toml.Marshal(v.AllSettings())
	if err != nil {
		return errors.Wrap(err, "failed to encode settings")
	}
	_, err = w.Write(data)
	return err
}
