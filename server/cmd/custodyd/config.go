// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"decred.org/dcrcustody/custody"
	"github.com/decred/dcrd/dcrutil/v4"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename   = "custodyd.conf"
	defaultCoinsFilename    = "coins.conf"
	defaultLogFilename      = "custodyd.log"
	defaultMnemonicFilename = "mnemonic"
	defaultPocketFilename   = "pocketkey"
	defaultAdminCertName    = "admin.cert"
	defaultAdminKeyName     = "admin.key"
	defaultLogLevel         = "info"
	defaultLogDirname       = "logs"
	defaultMaxLogZips       = 16
	defaultPGHost           = "127.0.0.1:5432"
	defaultPGUser           = "custody"
	defaultPGDBName         = "custody"
	defaultBTCRPCHost       = "127.0.0.1:8332"
	defaultETHRPC           = "http://127.0.0.1:8545"
	defaultKafkaGroup       = "custodyd"
	defaultAdminSrvAddr     = "127.0.0.1:6542"

	defaultScanInterval    = 30 * time.Second
	defaultConfirmInterval = 30 * time.Second
	defaultSendInterval    = 15 * time.Second
	defaultCollectInterval = time.Minute
	defaultFeeInterval     = 5 * time.Minute
	defaultGasPremiumGwei  = 30
	defaultPrefundGwei     = 10
)

var (
	defaultAppDataDir = dcrutil.AppDataDir(appName, false)
)

// intervals are the default job intervals. coins.conf may override them per
// coin.
type intervals struct {
	Scan    time.Duration
	Confirm time.Duration
	Send    time.Duration
	Collect time.Duration
	Fee     time.Duration
}

// custodyConf is the data that is required to set up the daemon.
type custodyConf struct {
	Network      custody.Network
	CoinsPath    string
	MnemonicPath string
	PocketPath   string
	Passphrase   string

	MemDB        bool
	DBName       string
	DBUser       string
	DBPass       string
	DBHost       string
	DBPort       string
	HidePGConfig bool

	BTCRPCHost   string
	BTCRPCUser   string
	BTCRPCPass   string
	BTCWallet    string
	NestedSegwit bool
	ETHRPC       string

	KafkaBrokers []string
	KafkaGroup   string
	IntakeClient int64

	GasPremiumGwei uint64
	PrefundGwei    uint64
	Intervals      intervals

	MetricsListen string
	AdminSrvOn    bool
	AdminSrvAddr  string
	AdminSrvPass  string
	AdminCert     string
	AdminKey      string

	LogMaker *custody.LoggerMaker
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, optionally with per-subsystem levels, e.g. info,SCAN=debug. Use show to list subsystems."`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	Testnet bool `long:"testnet" description:"Use the test network (default mainnet)"`
	Regtest bool `long:"regtest" description:"Use the regression test network (default mainnet)"`

	CoinsConf    string `long:"coinsconf" description:"Path to the coin definitions INI file."`
	MnemonicFile string `long:"mnemonicfile" description:"Path to a file holding the BIP39 mnemonic of the deposit and hot wallet keys."`
	Passphrase   string `long:"passphrase" description:"Optional BIP39 passphrase."`
	PocketKey    string `long:"pocketkey" description:"Path to a file holding the hex private key of the gas funding wallet."`

	MemDB        bool   `long:"memdb" description:"Use a volatile in-memory ledger instead of PostgreSQL. For dry runs only."`
	PGDBName     string `long:"pgdbname" description:"PostgreSQL DB name."`
	PGUser       string `long:"pguser" description:"PostgreSQL DB user."`
	PGPass       string `long:"pgpass" description:"PostgreSQL DB password."`
	PGHost       string `long:"pghost" description:"PostgreSQL server host:port or UNIX socket (e.g. /run/postgresql)."`
	HidePGConfig bool   `long:"hidepgconfig" description:"Blocks logging of the PostgreSQL db configuration on system start up."`

	BTCRPCHost   string `long:"btcrpchost" description:"bitcoind RPC host:port."`
	BTCRPCUser   string `long:"btcrpcuser" description:"bitcoind RPC user."`
	BTCRPCPass   string `long:"btcrpcpass" description:"bitcoind RPC password."`
	BTCWallet    string `long:"btcwallet" description:"bitcoind wallet name."`
	NestedSegwit bool   `long:"btcnestedsegwit" description:"Derive P2SH-P2WPKH deposit addresses instead of P2WPKH."`
	ETHRPC       string `long:"ethrpc" description:"Ethereum JSON-RPC endpoint URL or IPC path."`

	KafkaBrokers []string `long:"kafkabroker" description:"Kafka broker host:port. May be repeated. Without brokers an in-memory bus is used."`
	KafkaGroup   string   `long:"kafkagroup" description:"Kafka consumer group of the withdrawal intake."`
	IntakeClient int64    `long:"intakeclient" description:"Client id credited with withdrawal requests from the bus."`

	GasPremiumGwei uint64 `long:"gaspremium" description:"Gwei added to the suggested gas price of withdrawals and collections."`
	PrefundGwei    uint64 `long:"prefundpremium" description:"Gwei added to the suggested gas price of collection gas funding."`

	ScanInterval    time.Duration `long:"scaninterval" description:"Default interval of the deposit scanners."`
	ConfirmInterval time.Duration `long:"confirminterval" description:"Default interval of the confirmation promoters."`
	SendInterval    time.Duration `long:"sendinterval" description:"Default interval of the withdrawal broadcasters."`
	CollectInterval time.Duration `long:"collectinterval" description:"Default interval of the collection and gas funding jobs."`
	FeeInterval     time.Duration `long:"feeinterval" description:"Default interval of the UTXO fee refresher."`

	MetricsListen string `long:"metricslisten" description:"host:port on which to serve Prometheus metrics. Disabled if empty."`
	AdminSrvOn    bool   `long:"adminsrvon" description:"Turn on the admin server."`
	AdminSrvAddr  string `long:"adminsrvaddr" description:"Administration HTTPS server address (default: 127.0.0.1:6542)."`
	AdminSrvPass  string `long:"adminsrvpass" description:"Admin server password. INSECURE. Do not set unless absolutely necessary."`
	AdminCert     string `long:"admincert" description:"Admin server TLS certificate file. Generated if missing."`
	AdminKey      string `long:"adminkey" description:"Admin server TLS private key file. Generated if missing."`
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Do not try to clean the empty string
	if path == "" {
		return ""
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present. Invalidates addresses that include
// a protocol identifier.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return net.JoinHostPort(defaultHost, defaultPort), nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("unable to address %s after port resolution: %w", normalized, err)
			}
		} else {
			return a, fmt.Errorf("unable to normalize address %s: %w", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port), nil
}

// splitPGHost separates the port from a host:port. UNIX socket paths have no
// port.
func splitPGHost(hostPort string) (host, port string, err error) {
	if strings.HasPrefix(hostPort, "/") {
		return hostPort, "", nil
	}
	host, port, err = net.SplitHostPort(hostPort)
	if err != nil {
		return "", "", fmt.Errorf("invalid DB host %q: %w", hostPort, err)
	}
	if _, err = strconv.ParseUint(port, 10, 16); err != nil {
		return "", "", fmt.Errorf("invalid DB port %q: %w", port, err)
	}
	return host, port, nil
}

// resolvePath makes a relative path relative to the appdata directory.
func resolvePath(appData, path string) string {
	path = cleanAndExpandPath(path)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(appData, path)
}

func defaultFlags() flagsData {
	return flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile and LogDir are set relative to
		// AppDataDir. They are not to be set here.
		MaxLogZips:      defaultMaxLogZips,
		DebugLevel:      defaultLogLevel,
		CoinsConf:       defaultCoinsFilename,
		MnemonicFile:    defaultMnemonicFilename,
		PocketKey:       defaultPocketFilename,
		PGDBName:        defaultPGDBName,
		PGUser:          defaultPGUser,
		PGHost:          defaultPGHost,
		BTCRPCHost:      defaultBTCRPCHost,
		ETHRPC:          defaultETHRPC,
		KafkaGroup:      defaultKafkaGroup,
		GasPremiumGwei:  defaultGasPremiumGwei,
		PrefundGwei:     defaultPrefundGwei,
		ScanInterval:    defaultScanInterval,
		ConfirmInterval: defaultConfirmInterval,
		SendInterval:    defaultSendInterval,
		CollectInterval: defaultCollectInterval,
		FeeInterval:     defaultFeeInterval,
		AdminSrvAddr:    defaultAdminSrvAddr,
		AdminCert:       defaultAdminCertName,
		AdminKey:        defaultAdminKeyName,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
func loadConfig() (*custodyConf, error) {
	cfg := defaultFlags()

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help message
	// error can be ignored here since they will be caught by the final parse
	// below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// If a non-default appdata folder is specified on the command line, it may
	// be necessary adjust the config file location. If the the config file
	// location was not specified on the command line, the default location
	// should be under the non-default appdata directory. However, if the config
	// file was specified on the command line, it should be used regardless of
	// the appdata directory.
	if preCfg.AppDataDir != "" {
		cfg.AppDataDir, err = filepath.Abs(cleanAndExpandPath(preCfg.AppDataDir))
		if err != nil {
			return nil, fmt.Errorf("unable to determine working directory: %w", err)
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else {
		preCfg.ConfigFile = resolvePath(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Config file name for logging.
	configFile := "NONE (defaults)"

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return nil, err
		}
		fmt.Printf("Config file (%s) does not exist. Using defaults.\n",
			preCfg.ConfigFile)
	} else {
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			parser.WriteHelp(os.Stderr)
			return nil, err
		}
		configFile = preCfg.ConfigFile
	}

	// Parse command line options again to ensure they take precedence.
	if _, err = parser.Parse(); err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	conf, err := buildConf(&cfg)
	if err != nil {
		return nil, err
	}

	if err = os.MkdirAll(cfg.AppDataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	}
	cfg.LogDir = filepath.Join(resolvePath(cfg.AppDataDir, cfg.LogDir), conf.Network.String())

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	if err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips); err != nil {
		return nil, err
	}

	conf.LogMaker, err = parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		parser.WriteHelp(os.Stderr)
		return nil, err
	}

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)
	log.Infof("Config file:     %s", configFile)

	return conf, nil
}

// buildConf validates the parsed flags and resolves file paths against the
// appdata directory.
func buildConf(cfg *flagsData) (*custodyConf, error) {
	network := custody.Mainnet
	var numNets int
	if cfg.Testnet {
		numNets++
		network = custody.Testnet
	}
	if cfg.Regtest {
		numNets++
		network = custody.Regtest
	}
	if numNets > 1 {
		return nil, errors.New("both testnet and regtest flags specified")
	}

	var dbHost, dbPort string
	if !cfg.MemDB {
		var err error
		dbHost, dbPort, err = splitPGHost(cfg.PGHost)
		if err != nil {
			return nil, err
		}
	}

	btcHost, err := normalizeNetworkAddress(cfg.BTCRPCHost, "127.0.0.1", "8332")
	if err != nil {
		return nil, err
	}
	adminAddr, err := normalizeNetworkAddress(cfg.AdminSrvAddr, "127.0.0.1", "6542")
	if err != nil {
		return nil, err
	}

	ivs := intervals{
		Scan:    cfg.ScanInterval,
		Confirm: cfg.ConfirmInterval,
		Send:    cfg.SendInterval,
		Collect: cfg.CollectInterval,
		Fee:     cfg.FeeInterval,
	}
	for name, d := range map[string]time.Duration{
		"scan": ivs.Scan, "confirm": ivs.Confirm, "send": ivs.Send,
		"collect": ivs.Collect, "fee": ivs.Fee,
	} {
		if d <= 0 {
			return nil, fmt.Errorf("non-positive %s interval %s", name, d)
		}
	}

	return &custodyConf{
		Network:        network,
		CoinsPath:      resolvePath(cfg.AppDataDir, cfg.CoinsConf),
		MnemonicPath:   resolvePath(cfg.AppDataDir, cfg.MnemonicFile),
		PocketPath:     resolvePath(cfg.AppDataDir, cfg.PocketKey),
		Passphrase:     cfg.Passphrase,
		MemDB:          cfg.MemDB,
		DBName:         cfg.PGDBName,
		DBUser:         cfg.PGUser,
		DBPass:         cfg.PGPass,
		DBHost:         dbHost,
		DBPort:         dbPort,
		HidePGConfig:   cfg.HidePGConfig,
		BTCRPCHost:     btcHost,
		BTCRPCUser:     cfg.BTCRPCUser,
		BTCRPCPass:     cfg.BTCRPCPass,
		BTCWallet:      cfg.BTCWallet,
		NestedSegwit:   cfg.NestedSegwit,
		ETHRPC:         cfg.ETHRPC,
		KafkaBrokers:   cfg.KafkaBrokers,
		KafkaGroup:     cfg.KafkaGroup,
		IntakeClient:   cfg.IntakeClient,
		GasPremiumGwei: cfg.GasPremiumGwei,
		PrefundGwei:    cfg.PrefundGwei,
		Intervals:      ivs,
		MetricsListen:  cfg.MetricsListen,
		AdminSrvOn:     cfg.AdminSrvOn,
		AdminSrvAddr:   adminAddr,
		AdminSrvPass:   cfg.AdminSrvPass,
		AdminCert:      resolvePath(cfg.AppDataDir, cfg.AdminCert),
		AdminKey:       resolvePath(cfg.AppDataDir, cfg.AdminKey),
	}, nil
}
