package cashu

import "encoding/json"

// P2PKWitness carries the signatures redeeming a P2PK locked proof.
type P2PKWitness struct {
	Signatures []string `json:"signatures"`
}

// HTLCWitness carries the revealed preimage and signatures redeeming
// a hash/time-locked proof. On the refund path the preimage is an
// all-zero placeholder and the signature comes from the refund key.
type HTLCWitness struct {
	Preimage   string   `json:"preimage"`
	Signatures []string `json:"signatures"`
}

func (w HTLCWitness) Serialize() (string, error) {
	witness, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(witness), nil
}

func ParseHTLCWitness(witness string) (HTLCWitness, error) {
	var w HTLCWitness
	if err := json.Unmarshal([]byte(witness), &w); err != nil {
		return HTLCWitness{}, err
	}
	return w, nil
}
