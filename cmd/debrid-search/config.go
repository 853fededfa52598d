package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type config struct {
	BindAddr             string        `json:"bindAddr"`
	Port                 int           `json:"port"`
	StoragePath          string        `json:"storagePath"`
	CacheTTLdays         int           `json:"cacheTTLdays"`
	RedisAddr            string        `json:"redisAddr"`
	Scrapers             []string      `json:"scrapers"`
	BaseURLtorrentio     string        `json:"baseURLtorrentio"`
	BaseURLjackett       string        `json:"baseURLjackett"`
	JackettAPIkey        string        `json:"-"`
	BaseURLzilean        string        `json:"baseURLzilean"`
	BaseURLbitmagnet     string        `json:"baseURLbitmagnet"`
	BaseURLrd            string        `json:"baseURLrd"`
	BaseURLad            string        `json:"baseURLad"`
	BaseURLtorbox        string        `json:"baseURLtorbox"`
	BaseURLcinemata      string        `json:"baseURLcinemata"`
	SocksProxyAddr       string        `json:"socksProxyAddr"`
	ExtraHeadersXD       []string      `json:"extraHeadersXD"`
	MaxResultsPerQuality int           `json:"maxResultsPerQuality"`
	MaxResultsRemux      int           `json:"maxResultsRemux"`
	MaxResultsBluRay     int           `json:"maxResultsBluRay"`
	MaxResultsWebDL      int           `json:"maxResultsWebDL"`
	MaxResultsWebRip     int           `json:"maxResultsWebRip"`
	MaxResultsAudio      int           `json:"maxResultsAudio"`
	MaxResultsOther      int           `json:"maxResultsOther"`
	MaxPacksToInspect    int           `json:"maxPacksToInspect"`
	MaxPackRounds        int           `json:"maxPackRounds"`
	SkipWebRip           bool          `json:"prioritySkipWebRipEnabled"`
	SkipAACOpus          bool          `json:"prioritySkipAACopusEnabled"`
	PenalizeAACOpus      bool          `json:"priorityPenaltyAACopusEnabled"`
	DiversifyCodecs      bool          `json:"diversifyCodecsEnabled"`
	MaxH265PerQuality    int           `json:"maxH265resultsPerQuality"`
	MaxH264PerQuality    int           `json:"maxH264resultsPerQuality"`
	TargetCodecCount     int           `json:"targetCodecCount"`
	SeparatePackQuota    bool          `json:"separatePackQuota"`
	LiveChecksPerRequest int           `json:"liveChecksPerRequest"`
	CoordinatorTimeout   time.Duration `json:"coordinatorTimeout"`
	ShareTTL             time.Duration `json:"shareTTL"`
	ShareMaxEntries      int           `json:"shareMaxEntries"`
	LogLevel             string        `json:"logLevel"`
	LogEncoding          string        `json:"logEncoding"`
	EnvPrefix            string        `json:"envPrefix"`
}

func parseConfig(logger *zap.Logger) config {
	result := config{}

	// Flags
	var (
		bindAddr             = flag.String("bindAddr", "localhost", `Local interface address to bind to. "localhost" only allows access from the local host. "0.0.0.0" binds to all network interfaces.`)
		port                 = flag.Int("port", 8080, "Port to listen on")
		storagePath          = flag.String("storagePath", "", `Path for storing the data of the persistent result DB. An empty value will lead to 'os.UserCacheDir()+"/debrid-search/badger"'.`)
		cacheTTLdays         = flag.Int("cacheTTLdays", 30, "Days until a persisted admission record expires")
		redisAddr            = flag.String("redisAddr", "", `Redis host and port, for example "localhost:6379". It's used for the scraper share cache. Keep empty to use in-memory go-cache.`)
		scrapers             = flag.String("scrapers", "torrentio", `Comma-separated list of enabled scrapers. Can contain "torrentio", "jackett", "zilean" and "bitmagnet".`)
		baseURLtorrentio     = flag.String("baseURLtorrentio", "https://torrentio.strem.fun", "Base URL for torrentio")
		baseURLjackett       = flag.String("baseURLjackett", "http://localhost:9117", "Base URL for Jackett")
		jackettAPIkey        = flag.String("jackettAPIkey", "", "API key of the Jackett instance. Required when the Jackett scraper is enabled.")
		baseURLzilean        = flag.String("baseURLzilean", "http://localhost:8181", "Base URL for Zilean")
		baseURLbitmagnet     = flag.String("baseURLbitmagnet", "http://localhost:3333", "Base URL for bitmagnet")
		baseURLrd            = flag.String("baseURLrd", "https://api.real-debrid.com", "Base URL for RealDebrid")
		baseURLad            = flag.String("baseURLad", "https://api.alldebrid.com", "Base URL for AllDebrid")
		baseURLtorbox        = flag.String("baseURLtorbox", "https://api.torbox.app", "Base URL for TorBox")
		baseURLcinemata      = flag.String("baseURLcinemata", "https://v3-cinemeta.strem.io", "Base URL for the Cinemata metadata addon")
		socksProxyAddr       = flag.String("socksProxyAddr", "", `SOCKS5 proxy address that upstreams with persistent error streaks are routed through (where "127.0.0.1:9050" would be a typical value)`)
		extraHeadersXD       = flag.String("extraHeadersXD", "", `Additional HTTP request headers to set for requests to the debrid services, in a format like "X-Foo: bar", separated by newline characters ("\n")`)
		maxResultsPerQuality = flag.Int("maxResultsPerQuality", 2, "Default per-category admission quota")
		maxResultsRemux      = flag.Int("maxResultsRemux", 0, "Per-category quota override for Remux releases. 0 uses the default.")
		maxResultsBluRay     = flag.Int("maxResultsBluRay", 0, "Per-category quota override for BluRay releases. 0 uses the default.")
		maxResultsWebDL      = flag.Int("maxResultsWebDL", 0, "Per-category quota override for WEB/WEB-DL releases. 0 uses the default.")
		maxResultsWebRip     = flag.Int("maxResultsWebRip", 1, "Per-category quota for BRRip/WEBRip releases")
		maxResultsAudio      = flag.Int("maxResultsAudio", 1, "Per-category quota for audio-focused releases")
		maxResultsOther      = flag.Int("maxResultsOther", 10, "Per-category quota for unclassified releases")
		maxPacksToInspect    = flag.Int("maxPacksToInspect", 5, "How many season packs one inspection round covers")
		maxPackRounds        = flag.Int("maxPackRounds", 3, "Max season-pack inspection rounds per request")
		skipWebRip           = flag.Bool("prioritySkipWebRipEnabled", false, "Drop BRRip/WEBRip releases entirely")
		skipAACopus          = flag.Bool("prioritySkipAACopusEnabled", false, "Drop AAC/Opus releases entirely")
		penalizeAACopus      = flag.Bool("priorityPenaltyAACopusEnabled", true, "Reclassify AAC/Opus releases into the audio-focused category")
		diversifyCodecs      = flag.Bool("diversifyCodecsEnabled", true, "Limit admissions per codec and resolution")
		maxH265perQuality    = flag.Int("maxH265resultsPerQuality", 1, "Max h265 admissions per resolution when codec diversification is on")
		maxH264perQuality    = flag.Int("maxH264resultsPerQuality", 1, "Max h264 admissions per resolution when codec diversification is on")
		targetCodecCount     = flag.Int("targetCodecCount", 0, "Global cap on admissions per resolution. 0 turns the cap off.")
		separatePackQuota    = flag.Bool("separatePackQuota", false, "Count season-pack admissions separately from specific-episode admissions")
		liveChecksPerRequest = flag.Int("liveChecksPerRequest", 10, "Max single-hash live cache checks per request")
		coordinatorTimeout   = flag.Duration("coordinatorTimeout", 30*time.Second, "Hard deadline of one coordinated search. The format must be acceptable by Go's 'time.ParseDuration()', for example \"30s\".")
		shareTTL             = flag.Duration("shareTTL", 60*time.Second, "How long scraper output is shared across debrid services")
		shareMaxEntries      = flag.Int("shareMaxEntries", 500, "Size cap of the in-memory scraper share cache")
		logLevel             = flag.String("logLevel", "debug", `Log level to show only logs with the given and more severe levels. Can be "debug", "info", "warn", "error".`)
		logEncoding          = flag.String("logEncoding", "console", `Log encoding. Can be "console" or "json", where "json" makes more sense when using centralized logging solutions like ELK, Graylog or Loki.`)
		envPrefix            = flag.String("envPrefix", "", "Prefix for environment variables")
	)

	flag.Parse()

	if *envPrefix != "" && !strings.HasSuffix(*envPrefix, "_") {
		*envPrefix += "_"
	}
	result.EnvPrefix = *envPrefix

	// Only overwrite the values by their env var counterparts that have not
	// been set (and that *are* set via env var).
	var err error
	if !isArgSet("bindAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "BIND_ADDR"); ok {
			*bindAddr = val
		}
	}
	result.BindAddr = *bindAddr

	if !isArgSet("port") {
		if val, ok := os.LookupEnv(*envPrefix + "PORT"); ok {
			if *port, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "PORT"))
			}
		}
	}
	result.Port = *port

	if !isArgSet("storagePath") {
		if val, ok := os.LookupEnv(*envPrefix + "STORAGE_PATH"); ok {
			*storagePath = val
		}
	}
	result.StoragePath = *storagePath

	if !isArgSet("cacheTTLdays") {
		if val, ok := os.LookupEnv(*envPrefix + "CACHE_TTL_DAYS"); ok {
			if *cacheTTLdays, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "CACHE_TTL_DAYS"))
			}
		}
	}
	result.CacheTTLdays = *cacheTTLdays

	if !isArgSet("redisAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "REDIS_ADDR"); ok {
			*redisAddr = val
		}
	}
	result.RedisAddr = *redisAddr

	if !isArgSet("scrapers") {
		if val, ok := os.LookupEnv(*envPrefix + "SCRAPERS"); ok {
			*scrapers = val
		}
	}
	for _, name := range strings.Split(*scrapers, ",") {
		if name = strings.TrimSpace(name); name != "" {
			result.Scrapers = append(result.Scrapers, name)
		}
	}

	if !isArgSet("baseURLtorrentio") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_TORRENTIO"); ok {
			*baseURLtorrentio = val
		}
	}
	result.BaseURLtorrentio = *baseURLtorrentio

	if !isArgSet("baseURLjackett") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_JACKETT"); ok {
			*baseURLjackett = val
		}
	}
	result.BaseURLjackett = *baseURLjackett

	if !isArgSet("jackettAPIkey") {
		if val, ok := os.LookupEnv(*envPrefix + "JACKETT_API_KEY"); ok {
			*jackettAPIkey = val
		}
	}
	result.JackettAPIkey = *jackettAPIkey

	if !isArgSet("baseURLzilean") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_ZILEAN"); ok {
			*baseURLzilean = val
		}
	}
	result.BaseURLzilean = *baseURLzilean

	if !isArgSet("baseURLbitmagnet") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_BITMAGNET"); ok {
			*baseURLbitmagnet = val
		}
	}
	result.BaseURLbitmagnet = *baseURLbitmagnet

	if !isArgSet("baseURLrd") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_RD"); ok {
			*baseURLrd = val
		}
	}
	result.BaseURLrd = *baseURLrd

	if !isArgSet("baseURLad") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_AD"); ok {
			*baseURLad = val
		}
	}
	result.BaseURLad = *baseURLad

	if !isArgSet("baseURLtorbox") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_TORBOX"); ok {
			*baseURLtorbox = val
		}
	}
	result.BaseURLtorbox = *baseURLtorbox

	if !isArgSet("baseURLcinemata") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_CINEMATA"); ok {
			*baseURLcinemata = val
		}
	}
	result.BaseURLcinemata = *baseURLcinemata

	if !isArgSet("socksProxyAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "SOCKS_PROXY_ADDR"); ok {
			*socksProxyAddr = val
		}
	}
	result.SocksProxyAddr = *socksProxyAddr

	if !isArgSet("extraHeadersXD") {
		if val, ok := os.LookupEnv(*envPrefix + "EXTRA_HEADERS_XD"); ok {
			*extraHeadersXD = val
		}
	}
	if *extraHeadersXD != "" {
		headers := strings.Split(*extraHeadersXD, "\n")
		for _, header := range headers {
			header = strings.TrimSpace(header)
			if header != "" {
				result.ExtraHeadersXD = append(result.ExtraHeadersXD, header)
			}
		}
	}

	if !isArgSet("maxResultsPerQuality") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_RESULTS_PER_QUALITY"); ok {
			if *maxResultsPerQuality, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_RESULTS_PER_QUALITY"))
			}
		}
	}
	result.MaxResultsPerQuality = *maxResultsPerQuality

	if !isArgSet("maxResultsRemux") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_RESULTS_REMUX"); ok {
			if *maxResultsRemux, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_RESULTS_REMUX"))
			}
		}
	}
	result.MaxResultsRemux = *maxResultsRemux

	if !isArgSet("maxResultsBluRay") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_RESULTS_BLURAY"); ok {
			if *maxResultsBluRay, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_RESULTS_BLURAY"))
			}
		}
	}
	result.MaxResultsBluRay = *maxResultsBluRay

	if !isArgSet("maxResultsWebDL") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_RESULTS_WEBDL"); ok {
			if *maxResultsWebDL, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_RESULTS_WEBDL"))
			}
		}
	}
	result.MaxResultsWebDL = *maxResultsWebDL

	if !isArgSet("maxResultsWebRip") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_RESULTS_WEBRIP"); ok {
			if *maxResultsWebRip, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_RESULTS_WEBRIP"))
			}
		}
	}
	result.MaxResultsWebRip = *maxResultsWebRip

	if !isArgSet("maxResultsAudio") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_RESULTS_AUDIO"); ok {
			if *maxResultsAudio, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_RESULTS_AUDIO"))
			}
		}
	}
	result.MaxResultsAudio = *maxResultsAudio

	if !isArgSet("maxResultsOther") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_RESULTS_OTHER"); ok {
			if *maxResultsOther, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_RESULTS_OTHER"))
			}
		}
	}
	result.MaxResultsOther = *maxResultsOther

	if !isArgSet("maxPacksToInspect") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_PACKS_TO_INSPECT"); ok {
			if *maxPacksToInspect, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_PACKS_TO_INSPECT"))
			}
		}
	}
	result.MaxPacksToInspect = *maxPacksToInspect

	if !isArgSet("maxPackRounds") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_PACK_ROUNDS"); ok {
			if *maxPackRounds, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_PACK_ROUNDS"))
			}
		}
	}
	result.MaxPackRounds = *maxPackRounds

	if !isArgSet("prioritySkipWebRipEnabled") {
		if val, ok := os.LookupEnv(*envPrefix + "PRIORITY_SKIP_WEBRIP_ENABLED"); ok {
			if *skipWebRip, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "PRIORITY_SKIP_WEBRIP_ENABLED"))
			}
		}
	}
	result.SkipWebRip = *skipWebRip

	if !isArgSet("prioritySkipAACopusEnabled") {
		if val, ok := os.LookupEnv(*envPrefix + "PRIORITY_SKIP_AAC_OPUS_ENABLED"); ok {
			if *skipAACopus, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "PRIORITY_SKIP_AAC_OPUS_ENABLED"))
			}
		}
	}
	result.SkipAACOpus = *skipAACopus

	if !isArgSet("priorityPenaltyAACopusEnabled") {
		if val, ok := os.LookupEnv(*envPrefix + "PRIORITY_PENALTY_AAC_OPUS_ENABLED"); ok {
			if *penalizeAACopus, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "PRIORITY_PENALTY_AAC_OPUS_ENABLED"))
			}
		}
	}
	result.PenalizeAACOpus = *penalizeAACopus

	if !isArgSet("diversifyCodecsEnabled") {
		if val, ok := os.LookupEnv(*envPrefix + "DIVERSIFY_CODECS_ENABLED"); ok {
			if *diversifyCodecs, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "DIVERSIFY_CODECS_ENABLED"))
			}
		}
	}
	result.DiversifyCodecs = *diversifyCodecs

	if !isArgSet("maxH265resultsPerQuality") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_H265_RESULTS_PER_QUALITY"); ok {
			if *maxH265perQuality, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_H265_RESULTS_PER_QUALITY"))
			}
		}
	}
	result.MaxH265PerQuality = *maxH265perQuality

	if !isArgSet("maxH264resultsPerQuality") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_H264_RESULTS_PER_QUALITY"); ok {
			if *maxH264perQuality, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "MAX_H264_RESULTS_PER_QUALITY"))
			}
		}
	}
	result.MaxH264PerQuality = *maxH264perQuality

	if !isArgSet("targetCodecCount") {
		if val, ok := os.LookupEnv(*envPrefix + "TARGET_CODEC_COUNT"); ok {
			if *targetCodecCount, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "TARGET_CODEC_COUNT"))
			}
		}
	}
	result.TargetCodecCount = *targetCodecCount

	if !isArgSet("separatePackQuota") {
		if val, ok := os.LookupEnv(*envPrefix + "SEPARATE_PACK_QUOTA"); ok {
			if *separatePackQuota, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "SEPARATE_PACK_QUOTA"))
			}
		}
	}
	result.SeparatePackQuota = *separatePackQuota

	if !isArgSet("liveChecksPerRequest") {
		if val, ok := os.LookupEnv(*envPrefix + "LIVE_CHECKS_PER_REQUEST"); ok {
			if *liveChecksPerRequest, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "LIVE_CHECKS_PER_REQUEST"))
			}
		}
	}
	result.LiveChecksPerRequest = *liveChecksPerRequest

	if !isArgSet("coordinatorTimeout") {
		if val, ok := os.LookupEnv(*envPrefix + "COORDINATOR_TIMEOUT"); ok {
			if *coordinatorTimeout, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "COORDINATOR_TIMEOUT"))
			}
		}
	}
	result.CoordinatorTimeout = *coordinatorTimeout

	if !isArgSet("shareTTL") {
		if val, ok := os.LookupEnv(*envPrefix + "SHARE_TTL"); ok {
			if *shareTTL, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "SHARE_TTL"))
			}
		}
	}
	result.ShareTTL = *shareTTL

	if !isArgSet("shareMaxEntries") {
		if val, ok := os.LookupEnv(*envPrefix + "SHARE_MAX_ENTRIES"); ok {
			if *shareMaxEntries, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "SHARE_MAX_ENTRIES"))
			}
		}
	}
	result.ShareMaxEntries = *shareMaxEntries

	if !isArgSet("logLevel") {
		if val, ok := os.LookupEnv(*envPrefix + "LOG_LEVEL"); ok {
			*logLevel = val
		}
	}
	result.LogLevel = *logLevel

	if !isArgSet("logEncoding") {
		if val, ok := os.LookupEnv(*envPrefix + "LOG_ENCODING"); ok {
			*logEncoding = val
		}
	}
	result.LogEncoding = *logEncoding

	return result
}

func (c config) validate(logger *zap.Logger) {
	for _, name := range c.Scrapers {
		switch name {
		case "torrentio", "zilean", "bitmagnet":
		case "jackett":
			if c.JackettAPIkey == "" {
				logger.Fatal("The Jackett scraper is enabled but no API key is configured")
			}
		default:
			logger.Fatal("Unknown scraper configured", zap.String("scraper", name))
		}
	}
	if c.CacheTTLdays <= 0 {
		logger.Fatal("cacheTTLdays must be positive")
	}
	if c.MaxResultsPerQuality <= 0 {
		logger.Fatal("maxResultsPerQuality must be positive")
	}
}

// isArgSet returns true if the argument you're looking for is actually set as command line argument.
// Pass without "-" prefix.
func isArgSet(arg string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == arg {
			found = true
		}
	})
	return found
}
