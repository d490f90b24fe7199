package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DetailResponse is the subset of the care detail payload the collector reads.
type DetailResponse struct {
	FacilityBenefitAmount FlexFloat  `json:"facilityBenefitAmount"`
	Pharmacies            []Pharmacy `json:"pharmacies"`
}

// Pharmacy is one pharmacy option returned for a drug near a location.
type Pharmacy struct {
	Name               string             `json:"name"`
	Phone              FlexString         `json:"phone"`
	Address            Address            `json:"address"`
	Distance           FlexFloat          `json:"distance"`
	PharmacyRate       FlexFloat          `json:"pharmacyRate"`
	PriceFairness      FlexString         `json:"priceFairness"`
	CareEstimateResult CareEstimateResult `json:"careEstimateResult"`
	GSN                FlexString         `json:"gsn"`
	NDC                FlexString         `json:"ndc"`
	Qty                FlexFloat          `json:"qty"`
}

// Address is the pharmacy postal address.
type Address struct {
	Street string     `json:"street"`
	City   string     `json:"city"`
	State  string     `json:"state"`
	Zip    FlexString `json:"zip"`
}

// CareEstimateResult carries the member benefit figures for one pharmacy.
type CareEstimateResult struct {
	ProviderPrice                 FlexFloat `json:"providerPrice"`
	EstimatedMemberResponsibility FlexFloat `json:"estimatedMemberResponsibility"`
	EarnedBenefit                 FlexFloat `json:"earnedBenefit"`
	AppliedToDeductible           FlexFloat `json:"appliedToDeductible"`
	Savings                       FlexFloat `json:"savings"`
	BillOverBenefitAmount         FlexFloat `json:"billOverBenefitAmount"`
}

// DecodeDetail parses a care detail body.
func DecodeDetail(body []byte) (*DetailResponse, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	var resp DetailResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode detail response: %w", err)
	}
	return &resp, nil
}

// FlexString accepts a JSON string, number or null.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// FlexFloat accepts a JSON number, numeric string or null.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("flex float %q: %w", s, err)
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("flex float: %w", err)
	}
	*f = FlexFloat(v)
	return nil
}
