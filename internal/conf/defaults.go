package conf

import (
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig sets the default value of every configuration key.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "trackfill")
	viper.SetDefault("main.log.default_level", "info")
	viper.SetDefault("main.log.timezone", "Local")
	viper.SetDefault("main.log.console.enabled", true)
	viper.SetDefault("main.log.console.level", "info")
	viper.SetDefault("main.log.file_output.enabled", false)
	viper.SetDefault("main.log.file_output.path", "logs/trackfill.log")
	viper.SetDefault("main.log.file_output.level", "info")

	viper.SetDefault("tator.host", "https://cloud.tator.io")
	viper.SetDefault("tator.token", "")
	viper.SetDefault("tator.tokenfile", "")
	viper.SetDefault("tator.timeout", 30*time.Second)
	viper.SetDefault("tator.requestspersecond", 10.0)
	viper.SetDefault("tator.burst", 5)
	viper.SetDefault("tator.cachettl", 5*time.Minute)
	viper.SetDefault("tator.maxretries", 3)

	viper.SetDefault("detector.modelpath", "models/face.onnx")
	viper.SetDefault("detector.librarypath", "")
	viper.SetDefault("detector.inputwidth", 640)
	viper.SetDefault("detector.inputheight", 640)
	viper.SetDefault("detector.anchors", 8400)
	viper.SetDefault("detector.normalized", false)
	viper.SetDefault("detector.scorefloor", 0.25)
	viper.SetDefault("detector.iouthreshold", 0.45)
	viper.SetDefault("detector.threads", runtime.NumCPU())
	viper.SetDefault("detector.timeout", 30*time.Second)

	viper.SetDefault("propagation.settledelay", time.Second)
	viper.SetDefault("propagation.minconfidence", 0.90)
	viper.SetDefault("propagation.preservecorpusorder", false)
	viper.SetDefault("propagation.continueondetectorerror", false)
	viper.SetDefault("propagation.prefetch", 4)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "trackfill/refresh")
	viper.SetDefault("mqtt.clientid", "trackfill")
	viper.SetDefault("mqtt.username", "")
	viper.SetDefault("mqtt.password", "")
	viper.SetDefault("mqtt.passwordfile", "")

	viper.SetDefault("output.type", "sqlite")
	viper.SetDefault("output.sqlite.path", "trackfill.db")
	viper.SetDefault("output.mysql.username", "")
	viper.SetDefault("output.mysql.password", "")
	viper.SetDefault("output.mysql.passwordfile", "")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")
	viper.SetDefault("output.mysql.database", "trackfill")

	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.port", "8080")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")

	viper.SetDefault("frames.directory", "frames")
	viper.SetDefault("frames.pattern", "*.png")
}
