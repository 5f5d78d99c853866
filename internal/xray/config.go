package xray

// Config structures for the rendered XRay document. Field order is the
// serialization order, so rendering the same graph twice is byte-identical.
type (
	Config struct {
		Log       LogConfig        `json:"log"`
		Inbounds  []InboundConfig  `json:"inbounds"`
		Outbounds []OutboundConfig `json:"outbounds"`
	}

	LogConfig struct {
		LogLevel string `json:"loglevel"`
	}

	InboundConfig struct {
		Listen         string          `json:"listen"`
		Port           int             `json:"port"`
		Protocol       string          `json:"protocol"`
		Settings       InboundSettings `json:"settings"`
		StreamSettings StreamSettings  `json:"streamSettings"`
		Sniffing       SniffingConfig  `json:"sniffing"`
	}

	InboundSettings struct {
		Clients    []ClientConfig `json:"clients"`
		Decryption string         `json:"decryption"`
	}

	ClientConfig struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Level int    `json:"level"`
	}

	StreamSettings struct {
		Network         string           `json:"network"`
		Security        string           `json:"security,omitempty"`
		TLSSettings     *TLSSettings     `json:"tlsSettings,omitempty"`
		RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
	}

	TLSSettings struct {
		Certificates []Certificate `json:"certificates"`
	}

	Certificate struct {
		CertificateFile string `json:"certificateFile"`
		KeyFile         string `json:"keyFile"`
	}

	// RealitySettings.Show is either the boolean false or the string "auto".
	RealitySettings struct {
		Show        interface{} `json:"show"`
		Dest        string      `json:"dest"`
		Xver        int         `json:"xver"`
		ServerNames []string    `json:"serverNames"`
		PrivateKey  string      `json:"privateKey"`
		ShortIDs    []string    `json:"shortIds"`
		SpiderX     string      `json:"spiderX"`
	}

	SniffingConfig struct {
		Enabled      bool     `json:"enabled"`
		DestOverride []string `json:"destOverride"`
	}

	OutboundConfig struct {
		Protocol string `json:"protocol"`
	}
)
