package config

const (
	defaultStagingDir       = "~/.local/share/plexbot/staging"
	defaultLogDir           = "~/.local/share/plexbot/logs"
	defaultDownloaderBinary = "tdl"
	defaultDownloaderHome   = "~/.tdl-plexbot"
	defaultThreads          = 16
	defaultConnectionLimit  = 9
	defaultWorkers          = 3
	defaultIdleTimeout      = 300
	defaultTMDBBaseURL      = "https://api.themoviedb.org/3"
	defaultTMDBLanguage     = "en-US"
	defaultProgressInterval = 5
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
		},
		Downloader: Downloader{
			Binary:          defaultDownloaderBinary,
			Home:            defaultDownloaderHome,
			Threads:         defaultThreads,
			ConnectionLimit: defaultConnectionLimit,
			Workers:         defaultWorkers,
			IdleTimeout:     defaultIdleTimeout,
			ExtractArchives: true,
		},
		TMDB: TMDB{
			BaseURL:  defaultTMDBBaseURL,
			Language: defaultTMDBLanguage,
		},
		Notifications: Notifications{
			ProgressInterval: defaultProgressInterval,
		},
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
