package failover

import "sort"

// brands are network and channel brands recognised in channel names, matched on word
// boundaries. Multi-word entries are kept so that "FOX NEWS" wins over "FOX".
var brands = sortedLongestFirst([]string{
	"ABC", "NBC", "CBS", "FOX", "PBS", "CW", "ION", "MYNETWORK", "MY NETWORK", "METV", "ME TV",
	"UNIVISION", "TELEMUNDO", "UNIMAS", "GALAVISION", "AZTECA",
	"ESPN", "ESPN2", "ESPNU", "ESPNEWS", "FS1", "FS2", "FOX SPORTS", "FOX NEWS", "FOX BUSINESS",
	"NFL NETWORK", "NBA TV", "MLB NETWORK", "NHL NETWORK", "GOLF CHANNEL", "TENNIS CHANNEL",
	"CNN", "HLN", "MSNBC", "CNBC", "BLOOMBERG", "NEWSMAX", "C SPAN", "CSPAN",
	"HBO", "CINEMAX", "SHOWTIME", "STARZ", "EPIX", "MGM",
	"TNT", "TBS", "TRUTV", "USA NETWORK", "SYFY", "FX", "FXX", "AMC", "IFC", "BRAVO",
	"A&E", "LIFETIME", "HALLMARK", "TLC", "HGTV", "FOOD NETWORK", "TRAVEL CHANNEL",
	"DISCOVERY", "HISTORY", "NATIONAL GEOGRAPHIC", "NAT GEO", "ANIMAL PLANET", "SCIENCE",
	"NICKELODEON", "NICK JR", "NICKTOONS", "DISNEY", "DISNEY JUNIOR", "DISNEY XD",
	"CARTOON NETWORK", "BOOMERANG", "COMEDY CENTRAL", "MTV", "VH1", "BET", "CMT",
	"PARAMOUNT NETWORK", "OXYGEN", "WE TV", "OWN", "TCM", "GSN", "QVC", "HSN",
	"BBC ONE", "BBC TWO", "BBC NEWS", "ITV", "SKY NEWS", "SKY SPORTS",
})

// cities are US media markets recognised in local channel names
var cities = sortedLongestFirst([]string{
	"NEW YORK", "LOS ANGELES", "CHICAGO", "HOUSTON", "PHOENIX", "PHILADELPHIA", "SAN ANTONIO",
	"SAN DIEGO", "DALLAS", "SAN JOSE", "AUSTIN", "JACKSONVILLE", "SAN FRANCISCO", "COLUMBUS",
	"INDIANAPOLIS", "SEATTLE", "DENVER", "WASHINGTON", "BOSTON", "NASHVILLE", "DETROIT",
	"PORTLAND", "LAS VEGAS", "MEMPHIS", "LOUISVILLE", "BALTIMORE", "MILWAUKEE", "ALBUQUERQUE",
	"TUCSON", "FRESNO", "SACRAMENTO", "KANSAS CITY", "ATLANTA", "MIAMI", "RALEIGH", "OMAHA",
	"MINNEAPOLIS", "TULSA", "CLEVELAND", "TAMPA", "ORLANDO", "PITTSBURGH", "CINCINNATI",
	"ST LOUIS", "SAINT LOUIS", "NEW ORLEANS", "SALT LAKE CITY", "CHARLOTTE", "BUFFALO",
	"HARTFORD", "PROVIDENCE", "RICHMOND", "BIRMINGHAM", "OKLAHOMA CITY", "GREENVILLE",
	"SPOKANE", "BOISE", "HONOLULU", "ANCHORAGE", "EL PASO", "DES MOINES", "ALBANY",
})

// callSignStopwords look like call signs but are ordinary words
var callSignStopwords = map[string]bool{
	"WEST": true, "WILD": true, "KIDS": true, "WIDE": true, "WEEK": true, "WORK": true,
	"WIRE": true, "WISE": true, "WOW": true, "WWE": true, "WAR": true, "WAY": true,
	"WEB": true, "WIN": true, "KING": true, "KISS": true, "KICK": true, "WEAR": true,
	"WAVE": true, "WALL": true, "WOOD": true, "WOLF": true, "WILL": true, "WITH": true,
	"KIDZ": true, "WINE": true, "WELL": true, "WAKE": true, "WEEKEND": true, "WHO": true,
}

// qualityTokens and regionTokens are stripped when cleaning a name
var qualityTokens = map[string]bool{
	"HD": true, "FHD": true, "UHD": true, "SD": true, "4K": true, "HEVC": true, "H265": true,
	"1080P": true, "720P": true, "60FPS": true, "RAW": true, "BACKUP": true,
}

var regionTokens = map[string]bool{
	"US": true, "USA": true, "UK": true, "CA": true, "EAST": true, "PACIFIC": true, "LOCAL": true,
}

func sortedLongestFirst(words []string) []string {
	sort.SliceStable(words, func(i, j int) bool { return len(words[i]) > len(words[j]) })
	return words
}
