package phconfig

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is a typed view over a Tree rooted at the document's Phineas
// section (spec §6: "Recognized top-level sections: InstallDirectory,
// Organization, PartyId, ..."). Accessors mirror the original C
// implementation's xml_getf dotted-path lookups (see original_source's
// cpa.c: xml_getf(xml, "Phineas.Sender.RouteInfo.Route[%d].%s", ...))
// but read from a Tree instead of walking an in-memory XML DOM.
type Config struct {
	tree *Tree
}

// New wraps a parsed Tree as a Config, assuming the document root is
// already the Phineas section (i.e. the "Phineas." prefix has been
// stripped, or the source document never had one).
func New(tree *Tree) *Config {
	return &Config{tree: tree}
}

// LoadConfig reads and parses the PHINEAS configuration file at path,
// transparently decrypting it first if it carries the encrypted-config
// marker (see Load). If the document has a top-level Phineas key, that
// section becomes the root; otherwise the whole document is used as is.
func LoadConfig(path string, key []byte) (*Config, error) {
	tree, err := Load(path, key)
	if err != nil {
		return nil, err
	}
	if root, ok := tree.Sub("Phineas"); ok {
		tree = root
	}
	return New(tree), nil
}

func (c *Config) InstallDirectory() string { return c.tree.GetString("InstallDirectory", ".") }
func (c *Config) Organization() string     { return c.tree.GetString("Organization", "") }
func (c *Config) PartyId() string          { return c.tree.GetString("PartyId", "") }
func (c *Config) LogFile() string          { return c.tree.GetString("LogFile", "") }
func (c *Config) LogLevel() string         { return c.tree.GetString("LogLevel", "info") }
func (c *Config) SoapTemplate() string     { return c.tree.GetString("SoapTemplate", "") }
func (c *Config) AckTemplate() string      { return c.tree.GetString("AckTemplate", "") }
func (c *Config) CpaTemplate() string      { return c.tree.GetString("CpaTemplate", "") }
func (c *Config) CpaDirectory() string     { return c.tree.GetString("CpaDirectory", "") }

// ServerConfig is the Server.* section: the listener's plaintext and
// TLS endpoints.
type ServerConfig struct {
	Port       int
	NumThreads int
	SSL        SSLConfig
}

type SSLConfig struct {
	Port     int
	CertFile string
	KeyFile  string
	Password string
	AuthFile string
}

func (c *Config) Server() ServerConfig {
	return ServerConfig{
		Port:       c.tree.GetInt("Server.Port", 8080),
		NumThreads: c.tree.GetInt("Server.NumThreads", 10),
		SSL: SSLConfig{
			Port:     c.tree.GetInt("Server.SSL.Port", 0),
			CertFile: c.tree.GetString("Server.SSL.CertFile", ""),
			KeyFile:  c.tree.GetString("Server.SSL.KeyFile", ""),
			Password: c.tree.GetString("Server.SSL.Password", ""),
			AuthFile: c.tree.GetString("Server.SSL.AuthFile", ""),
		},
	}
}

// ConsoleConfig is the Console.* section governing the admin UI.
type ConsoleConfig struct {
	Url       string
	Root      string
	BasicAuth string
}

func (c *Config) Console() ConsoleConfig {
	return ConsoleConfig{
		Url:       c.tree.GetString("Console.Url", ""),
		Root:      c.tree.GetString("Console.Root", ""),
		BasicAuth: c.tree.GetString("Console.BasicAuth", ""),
	}
}

// RouteConfig is one Sender.RouteInfo.Route[i] entry: a partner
// endpoint the sender transmits to.
type RouteConfig struct {
	Name           string
	PartyId        string
	Host           string
	Port           int
	Path           string
	Protocol       string
	Cpa            string
	Authentication AuthConfig
	Retry          int
	Timeout        time.Duration
	Recipient      string
	Queue          string
}

type AuthConfig struct {
	Type     string
	User     string
	Password string
}

// FolderMapConfig is one Sender.MapInfo.Map[i] entry (spec §3 "Folder
// map"): the rule that turns a dropped file into a queued send.
type FolderMapConfig struct {
	Name         string
	Folder       string
	Processed    string
	Acknowledged string
	Route        string
	Service      string
	Action       string
	Arguments    string
	Recipient    string
	Queue        string
	Encryption   EncryptionConfig
	Filter       string
	Processor    string
}

type EncryptionConfig struct {
	Type     string
	Unc      string
	Id       string
	Password string
}

// SenderConfig is the Sender.* section.
type SenderConfig struct {
	MaxRetry             int
	DelayRetry           time.Duration
	PollInterval         time.Duration
	CertificateAuthority string
	Maps                 []FolderMapConfig
	Routes               []RouteConfig
}

func (c *Config) Sender() SenderConfig {
	n := c.tree.Len("Sender.MapInfo.Map")
	maps := make([]FolderMapConfig, 0, n)
	for i := 0; i < n; i++ {
		maps = append(maps, c.folderMapAt(fmt.Sprintf("Sender.MapInfo.Map[%d]", i)))
	}

	rn := c.tree.Len("Sender.RouteInfo.Route")
	routes := make([]RouteConfig, 0, rn)
	for i := 0; i < rn; i++ {
		routes = append(routes, c.routeAt(fmt.Sprintf("Sender.RouteInfo.Route[%d]", i)))
	}

	return SenderConfig{
		MaxRetry:             c.tree.GetInt("Sender.MaxRetry", 3),
		DelayRetry:           c.tree.GetDuration("Sender.DelayRetry", 30*time.Second),
		PollInterval:         c.tree.GetDuration("Sender.PollInterval", 10*time.Second),
		CertificateAuthority: c.tree.GetString("Sender.CertificateAuthority", ""),
		Maps:                 maps,
		Routes:               routes,
	}
}

func (c *Config) routeAt(prefix string) RouteConfig {
	t := c.tree
	return RouteConfig{
		Name:     t.GetString(prefix+".Name", ""),
		PartyId:  t.GetString(prefix+".PartyId", ""),
		Host:     t.GetString(prefix+".Host", ""),
		Port:     t.GetInt(prefix+".Port", 0),
		Path:     t.GetString(prefix+".Path", ""),
		Protocol: t.GetString(prefix+".Protocol", "http"),
		Cpa:      t.GetString(prefix+".Cpa", ""),
		Authentication: AuthConfig{
			Type:     t.GetString(prefix+".Authentication.Type", ""),
			User:     t.GetString(prefix+".Authentication.User", ""),
			Password: t.GetString(prefix+".Authentication.Password", ""),
		},
		Retry:     t.GetInt(prefix+".Retry", 0),
		Timeout:   t.GetDuration(prefix+".Timeout", 30*time.Second),
		Recipient: t.GetString(prefix+".Recipient", ""),
		Queue:     t.GetString(prefix+".Queue", ""),
	}
}

func (c *Config) folderMapAt(prefix string) FolderMapConfig {
	t := c.tree
	return FolderMapConfig{
		Name:         t.GetString(prefix+".Name", ""),
		Folder:       t.GetString(prefix+".Folder", ""),
		Processed:    t.GetString(prefix+".Processed", ""),
		Acknowledged: t.GetString(prefix+".Acknowledged", ""),
		Route:        t.GetString(prefix+".Route", ""),
		Service:      t.GetString(prefix+".Service", ""),
		Action:       t.GetString(prefix+".Action", ""),
		Arguments:    t.GetString(prefix+".Arguments", ""),
		Recipient:    t.GetString(prefix+".Recipient", ""),
		Queue:        t.GetString(prefix+".Queue", ""),
		Encryption: EncryptionConfig{
			Type:     t.GetString(prefix+".Encryption.Type", ""),
			Unc:      t.GetString(prefix+".Encryption.Unc", ""),
			Id:       t.GetString(prefix+".Encryption.Id", ""),
			Password: t.GetString(prefix+".Encryption.Password", ""),
		},
		Filter:    t.GetString(prefix+".Filter", ""),
		Processor: t.GetString(prefix+".Processor", ""),
	}
}

// ServiceMapConfig is one Receiver.MapInfo.Map[i] entry (spec §3
// "Service map"): the rule that turns an inbound service/action into a
// directory + decryption profile.
type ServiceMapConfig struct {
	Name       string
	Service    string
	Action     string
	Queue      string
	Directory  string
	Encryption EncryptionConfig
	Filter     string
}

func (c *Config) serviceMapAt(prefix string) ServiceMapConfig {
	t := c.tree
	return ServiceMapConfig{
		Name:      t.GetString(prefix+".Name", ""),
		Service:   t.GetString(prefix+".Service", ""),
		Action:    t.GetString(prefix+".Action", ""),
		Queue:     t.GetString(prefix+".Queue", ""),
		Directory: t.GetString(prefix+".Directory", ""),
		Encryption: EncryptionConfig{
			Unc:      t.GetString(prefix+".Encryption.Unc", ""),
			Id:       t.GetString(prefix+".Encryption.Id", ""),
			Password: t.GetString(prefix+".Encryption.Password", ""),
		},
		Filter: t.GetString(prefix+".Filter", ""),
	}
}

// ReceiverConfig is the Receiver.* section.
type ReceiverConfig struct {
	Url       string
	BasicAuth string
	Maps      []ServiceMapConfig
}

func (c *Config) Receiver() ReceiverConfig {
	n := c.tree.Len("Receiver.MapInfo.Map")
	maps := make([]ServiceMapConfig, 0, n)
	for i := 0; i < n; i++ {
		maps = append(maps, c.serviceMapAt(fmt.Sprintf("Receiver.MapInfo.Map[%d]", i)))
	}
	return ReceiverConfig{
		Url:       c.tree.GetString("Receiver.Url", ""),
		BasicAuth: c.tree.GetString("Receiver.BasicAuth", ""),
		Maps:      maps,
	}
}

// QueueTypeConfig is one QueueInfo.Type[i] entry: a backend driver name
// plus the connection it uses.
type QueueTypeConfig struct {
	Name       string
	Connection string
}

// QueueConnectionConfig is one QueueInfo.Connection[i] entry: the DSN
// or file-backend root a queue type binds to.
type QueueConnectionConfig struct {
	Name string
	DSN  string
}

// QueueDefConfig is one QueueInfo.Queue[i] entry: a named queue bound
// to a type.
type QueueDefConfig struct {
	Name string
	Type string
}

// QueueInfoConfig is the QueueInfo.* section.
type QueueInfoConfig struct {
	PollInterval time.Duration
	MaxThreads   int
	Types        []QueueTypeConfig
	Connections  []QueueConnectionConfig
	Queues       []QueueDefConfig
}

func (c *Config) QueueInfo() QueueInfoConfig {
	t := c.tree

	tn := t.Len("QueueInfo.Type")
	types := make([]QueueTypeConfig, 0, tn)
	for i := 0; i < tn; i++ {
		p := fmt.Sprintf("QueueInfo.Type[%d]", i)
		types = append(types, QueueTypeConfig{
			Name:       t.GetString(p+".Name", ""),
			Connection: t.GetString(p+".Connection", ""),
		})
	}

	cn := t.Len("QueueInfo.Connection")
	conns := make([]QueueConnectionConfig, 0, cn)
	for i := 0; i < cn; i++ {
		p := fmt.Sprintf("QueueInfo.Connection[%d]", i)
		conns = append(conns, QueueConnectionConfig{
			Name: t.GetString(p+".Name", ""),
			DSN:  t.GetString(p+".DSN", ""),
		})
	}

	qn := t.Len("QueueInfo.Queue")
	queues := make([]QueueDefConfig, 0, qn)
	for i := 0; i < qn; i++ {
		p := fmt.Sprintf("QueueInfo.Queue[%d]", i)
		queues = append(queues, QueueDefConfig{
			Name: t.GetString(p+".Name", ""),
			Type: t.GetString(p+".Type", ""),
		})
	}

	return QueueInfoConfig{
		PollInterval: t.GetDuration("QueueInfo.PollInterval", 10*time.Second),
		MaxThreads:   t.GetInt("QueueInfo.MaxThreads", 10),
		Types:        types,
		Connections:  conns,
		Queues:       queues,
	}
}

// RouteByName finds a Sender route by its Name field, returning the
// route, its index and true, or (RouteConfig{}, -1, false) when no route
// has that name. The index is the route's
// position within Sender.RouteInfo.Route, matching the original
// cpa_route() lookup (original_source's cpa.c) which callers need when
// building a CPA document from the CpaTemplate.
func (c *Config) RouteByName(name string) (RouteConfig, int, bool) {
	routes := c.Sender().Routes
	for i, r := range routes {
		if r.Name == name {
			return r, i, true
		}
	}
	return RouteConfig{}, -1, false
}

// CpaPath resolves a route's Cpa field against CpaDirectory, the way
// cpa_create() in original_source's cpa.c builds "<CpaDirectory><Cpa>.xml".
func (c *Config) CpaPath(route RouteConfig) string {
	return filepath.Join(c.CpaDirectory(), route.Cpa+".xml")
}
