package configure

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/kr/pretty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

/*
wavemu.yaml 예시

file: three_phase.wav
channels: 3
ip: 127.0.0.1
port: 48001
forward:
  - 10.0.0.7:48001
level: debug
*/

type JWT struct {
	Secret    string `mapstructure:"secret" json:"secret"`
	Algorithm string `mapstructure:"algorithm" json:"algorithm"`
}

// ServerCfg 는 에뮬레이터 프로세스 하나의 설정이다.
// 키 이름은 설정 파일, 플래그, 환경변수(WAVEMU_ 접두어)에서 모두 같다.
type ServerCfg struct {
	Level      string `mapstructure:"level" json:"level"`
	ConfigFile string `mapstructure:"config_file" json:"config_file"`

	File     string        `mapstructure:"file" json:"file"`
	Channels int           `mapstructure:"channels" json:"channels"`
	Fs       int           `mapstructure:"fs" json:"fs"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
	Bits     int           `mapstructure:"bits" json:"bits"`
	Schema   string        `mapstructure:"schema" json:"schema"`

	IP          string   `mapstructure:"ip" json:"ip"`
	Port        int      `mapstructure:"port" json:"port"`
	RelayAddr   string   `mapstructure:"relay_addr" json:"relay_addr"`
	Forward     []string `mapstructure:"forward" json:"forward"`
	MaxDatagram int      `mapstructure:"max_datagram" json:"max_datagram"`
	TOS         int      `mapstructure:"tos" json:"tos"`
	MaxOverruns int      `mapstructure:"max_overruns" json:"max_overruns"`

	APIAddr   string `mapstructure:"api_addr" json:"api_addr"`
	RedisAddr string `mapstructure:"redis_addr" json:"redis_addr"`
	RedisPwd  string `mapstructure:"redis_pwd" json:"redis_pwd"`
	JWT       JWT    `mapstructure:"jwt" json:"jwt"`

	MQTTBroker string `mapstructure:"mqtt_broker" json:"mqtt_broker"`
	MQTTTopic  string `mapstructure:"mqtt_topic" json:"mqtt_topic"`

	// generate 가 지정되면 스트리밍 대신 시험용 3상 WAV 파일을 만들고 끝낸다.
	Generate        string  `mapstructure:"generate" json:"generate"`
	GenerateSeconds float64 `mapstructure:"generate_seconds" json:"generate_seconds"`
	GenerateFreq    float64 `mapstructure:"generate_frequency" json:"generate_frequency"`
}

// default config
var defaultConf = ServerCfg{
	Level:           "info",
	ConfigFile:      "wavemu.yaml",
	File:            "three_phase.wav",
	Channels:        3,
	Fs:              12800,
	Interval:        10 * time.Millisecond,
	Bits:            16,
	IP:              "127.0.0.1",
	Port:            48001,
	RelayAddr:       "127.0.0.1:48005",
	MaxDatagram:     65507,
	APIAddr:         ":8090",
	MQTTTopic:       "wavemu",
	GenerateSeconds: 10,
	GenerateFreq:    50,
}

var (
	Config = viper.New()

	// BypassInit can be used to bypass the init() function by setting this
	// value to True at compile time.
	// go build -ldflags "-X 'github.com/kokoavailable/wavemu/configure.BypassInit=true'" -o wavemu main.go
	BypassInit string = ""
)

func initLog() {
	if l, err := log.ParseLevel(Config.GetString("level")); err == nil {
		log.SetLevel(l)
		log.SetReportCaller(l == log.DebugLevel)
	}
}

func init() {
	if BypassInit == "" {
		initDefault()
	}
}

// initDefault 는 기본값만 채운다. 플래그 파싱은 Load 에서 한다.
func initDefault() {
	b, _ := json.Marshal(defaultConf)
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(b)); err != nil {
		log.Warning(err)
		return
	}
	for k, val := range v.AllSettings() {
		Config.SetDefault(k, val)
	}
}

func flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("wavemu", pflag.ContinueOnError)
	fs.String("config_file", defaultConf.ConfigFile, "configure filename")
	fs.String("level", defaultConf.Level, "Log level")
	fs.String("file", defaultConf.File, "sample file to stream (.wav, .flac, .ogg, .mp3)")
	fs.Int("channels", defaultConf.Channels, "number of channels to stream")
	fs.Int("fs", defaultConf.Fs, "nominal sampling rate in Hz")
	fs.Duration("interval", defaultConf.Interval, "frame period")
	fs.Int("bits", defaultConf.Bits, "bit depth advertised in every frame")
	fs.String("schema", "", "frame template (.xml) or schema (.yaml), built-in template when empty")
	fs.String("ip", defaultConf.IP, "primary destination address")
	fs.Int("port", defaultConf.Port, "primary destination port")
	fs.String("relay_addr", defaultConf.RelayAddr, "local relay destination")
	fs.StringSlice("forward", nil, "extra destinations, host:port")
	fs.Int("max_datagram", defaultConf.MaxDatagram, "largest frame in bytes")
	fs.Int("tos", 0, "IPv4 TOS byte for outgoing frames")
	fs.Int("max_overruns", 0, "consecutive cycle overruns before giving up, 0 never")
	fs.String("api_addr", defaultConf.APIAddr, "HTTP manage interface listen address, empty disables")
	fs.String("redis_addr", "", "redis address for status, local cache when empty")
	fs.String("redis_pwd", "", "redis password")
	fs.String("mqtt_broker", "", "MQTT broker host:port for status, disabled when empty")
	fs.String("mqtt_topic", defaultConf.MQTTTopic, "MQTT topic prefix")
	fs.String("generate", "", "write a synthetic three-phase WAV to this path and exit")
	fs.Float64("generate_seconds", defaultConf.GenerateSeconds, "length of the generated WAV")
	fs.Float64("generate_frequency", defaultConf.GenerateFreq, "line frequency of the generated WAV")
	return fs
}

// Load layers flags, the config file and the environment over the defaults,
// then applies the log level.
func Load(args []string) error {
	// Flags
	fs := flagSet()
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := Config.BindPFlags(fs); err != nil {
		return err
	}

	// File
	Config.SetConfigFile(Config.GetString("config_file"))
	Config.AddConfigPath(".")
	if err := Config.ReadInConfig(); err != nil {
		log.Warning(err)
		log.Info("Using default config")
	}

	// Environment
	replacer := strings.NewReplacer(".", "_")
	Config.SetEnvPrefix("wavemu")
	Config.SetEnvKeyReplacer(replacer)
	Config.AllowEmptyEnv(true)
	Config.AutomaticEnv()

	// Log
	initLog()

	// Print final config
	c, err := Current()
	if err != nil {
		return err
	}
	log.Debugf("Current configurations: \n%# v", pretty.Formatter(c))
	return nil
}

func Current() (ServerCfg, error) {
	c := ServerCfg{}
	err := Config.Unmarshal(&c)
	return c, err
}
