package sandbox

import "encoding/json"

// jsonStringify mirrors the sandbox's JSON.stringify(value).
func jsonStringify(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// jsonParse mirrors the sandbox's JSON.parse(text).
func jsonParse(text string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	return v, nil
}
