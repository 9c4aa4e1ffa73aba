package sunsynk

import "encoding/json"

// Series labels returned for params=16,18,106
const (
	LabelSOC  = "SOC"
	LabelVBat = "V-bat"
	LabelVBMS = "BMS Voltage"
)

const dayParams = "16,18,106"

// validEquipModes are the inverter modes whose day series carry battery data.
// An inverter reporting no mode is treated as mode M.
var validEquipModes = map[string]bool{"": true, "M": true, "M1": true}

type envelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type tokenRequest struct {
	AreaCode  string `json:"areaCode"`
	ClientID  string `json:"client_id"`
	GrantType string `json:"grant_type"`
	Password  string `json:"password"`
	Source    string `json:"source"`
	Username  string `json:"username"`
}

type tokenData struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type inverterList struct {
	Infos []struct {
		SN        string  `json:"sn"`
		EquipMode *string `json:"equipMode"`
	} `json:"infos"`
}

type daySeries struct {
	Infos []struct {
		Label   string `json:"label"`
		Unit    string `json:"unit"`
		Records []struct {
			Time  string          `json:"time"`
			Value json.RawMessage `json:"value"`
		} `json:"records"`
	} `json:"infos"`
}
